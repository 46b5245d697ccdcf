package core

import (
	"fmt"

	"github.com/guardtalk/guardtalk/internal/domain"
)

// Directory schema. The call subtree is multi-writer: each device writes
// only its own keyed entries except the contested speaker_id key.

func GuardPath(id domain.GuardID) string     { return fmt.Sprintf("guards/%s", id) }
func GroupPath(id domain.GroupID) string     { return fmt.Sprintf("groups/%s", id) }
func CompanyPath(id domain.CompanyID) string { return fmt.Sprintf("companies/%s", id) }

func SpeakerPath(g domain.GroupID) string { return fmt.Sprintf("calls/%s/speaker_id", g) }

func CallListenersPath(g domain.GroupID) string { return fmt.Sprintf("calls/%s/listeners", g) }
func CallListenerPath(g domain.GroupID, id domain.GuardID) string {
	return fmt.Sprintf("calls/%s/listeners/%s", g, id)
}

func OffersPath(g domain.GroupID) string { return fmt.Sprintf("calls/%s/offers", g) }
func OfferPath(g domain.GroupID, id domain.GuardID) string {
	return fmt.Sprintf("calls/%s/offers/%s", g, id)
}

func AnswersPath(g domain.GroupID) string { return fmt.Sprintf("calls/%s/answers", g) }
func AnswerPath(g domain.GroupID, id domain.GuardID) string {
	return fmt.Sprintf("calls/%s/answers/%s", g, id)
}

func CandidatesPath(g domain.GroupID) string { return fmt.Sprintf("calls/%s/candidates", g) }

// Presence entries under listeners/ are app-level: written when a listener
// actually has a usable inbound audio path, removed on disconnect.
func PresencePath(g domain.GroupID) string { return fmt.Sprintf("listeners/%s", g) }
func PresenceEntryPath(g domain.GroupID, id domain.GuardID) string {
	return fmt.Sprintf("listeners/%s/%s", g, id)
}
