// Package reconcile merges optimistic local messages with server-confirmed
// ones so that each logical message is stored exactly once, whichever of
// the API acknowledgment and the realtime broadcast arrives first.
package reconcile

import (
	"strings"
	"time"

	"github.com/alexjbarnes/chatsync/internal/models"
	"golang.org/x/text/unicode/norm"
)

// matchWindow is how far apart the optimistic and canonical timestamps
// may be for a content match to count.
const matchWindow = 2 * time.Minute

// LocalMessage is a stored message seen either as an unconfirmed Pending
// entry or as a server-confirmed Confirmed entry.
type LocalMessage interface {
	Message() models.Message
	isLocal()
}

// Pending is an optimistic entry known only by its temp id.
type Pending struct {
	TempID string
	Msg    models.Message
}

// Confirmed is an entry that carries a durable server id.
type Confirmed struct {
	ID  string
	Msg models.Message
}

func (p Pending) Message() models.Message   { return p.Msg }
func (c Confirmed) Message() models.Message { return c.Msg }
func (Pending) isLocal()                    {}
func (Confirmed) isLocal()                  {}

// FromMessage classifies a stored message.
func FromMessage(m models.Message) LocalMessage {
	if m.Confirmed() {
		return Confirmed{ID: m.ID, Msg: m}
	}

	return Pending{TempID: m.TempID, Msg: m}
}

// Outcome says how an incoming canonical message was merged.
type Outcome int

const (
	// OutcomeInserted means nothing local matched; the canonical message
	// was stored fresh.
	OutcomeInserted Outcome = iota

	// OutcomeReplacedTemp means a pending entry matched and was replaced
	// by the canonical one.
	OutcomeReplacedTemp

	// OutcomeDiscardedTemp means the canonical entry was already stored
	// (the other path won the race) and the matching pending entry was
	// dropped.
	OutcomeDiscardedTemp

	// OutcomeUpdated means the canonical entry was already stored and no
	// pending entry remained; the stored copy was refreshed.
	OutcomeUpdated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeReplacedTemp:
		return "replaced_temp"
	case OutcomeDiscardedTemp:
		return "discarded_temp"
	case OutcomeUpdated:
		return "updated"
	}

	return "unknown"
}

// Plan is the store mutation that applies a resolution: delete Remove,
// then store Put, in one transaction.
type Plan struct {
	Outcome Outcome
	Remove  []string
	Put     *models.Message
}

// Resolve decides how canonical merges into the local set. It is a pure
// function; the caller applies the Plan. canonical must carry a server id.
//
// A pending entry matches when it carries the same temp id, or failing
// that when it has the same sender, the same normalised content and a
// timestamp within matchWindow. The closest timestamp wins.
func Resolve(local []LocalMessage, canonical models.Message) Plan {
	var (
		existing *Confirmed
		temp     *Pending
		bestGap  time.Duration
	)

	want := normalise(canonical.Content)

	for _, lm := range local {
		switch v := lm.(type) {
		case Confirmed:
			if v.ID == canonical.ID {
				c := v
				existing = &c
			}

		case Pending:
			// Step 1: an echoed temp id is an exact match.
			if canonical.TempID != "" && v.TempID == canonical.TempID {
				p := v
				temp = &p
				bestGap = -1

				continue
			}

			if bestGap < 0 {
				continue
			}

			// Step 2: fall back to sender, content and time.
			if v.Msg.SenderID != canonical.SenderID || normalise(v.Msg.Content) != want {
				continue
			}

			gap := absDuration(v.Msg.CreatedAt.Sub(canonical.CreatedAt))
			if gap > matchWindow {
				continue
			}

			if temp == nil || gap < bestGap {
				p := v
				temp = &p
				bestGap = gap
			}
		}
	}

	// A canonical entry that was already reconciled from its own temp
	// cannot claim a second, content-matched temp: that is another
	// message with the same text.
	if existing != nil && temp != nil && bestGap >= 0 &&
		existing.Msg.TempID != "" && existing.Msg.TempID != temp.TempID {
		temp = nil
	}

	switch {
	case existing != nil && temp != nil:
		merged := merge(existing.Msg, canonical, temp.TempID)
		return Plan{Outcome: OutcomeDiscardedTemp, Remove: []string{models.TempKey(temp.TempID)}, Put: &merged}

	case temp != nil:
		merged := merge(temp.Msg, canonical, temp.TempID)
		return Plan{Outcome: OutcomeReplacedTemp, Remove: []string{models.TempKey(temp.TempID)}, Put: &merged}

	case existing != nil:
		merged := merge(existing.Msg, canonical, "")
		return Plan{Outcome: OutcomeUpdated, Put: &merged}
	}

	fresh := canonical
	if fresh.Status == "" {
		fresh.Status = models.StatusSent
	}

	return Plan{Outcome: OutcomeInserted, Put: &fresh}
}

// merge folds the incoming canonical copy into what was stored. Status
// never regresses, a tombstone stays a tombstone, and a newer local edit
// is not overwritten by a stale copy.
func merge(stored, incoming models.Message, tempID string) models.Message {
	out := incoming

	if out.TempID == "" {
		out.TempID = stored.TempID
	}

	if out.TempID == "" {
		out.TempID = tempID
	}

	// The server has the message, so it is at least sent.
	switch out.Status {
	case "", models.StatusPending, models.StatusFailed:
		out.Status = models.StatusSent
	}

	out.Status = stored.Status.Advance(out.Status)

	if stored.EditCount > out.EditCount {
		out.Content = stored.Content
		out.EditedAt = stored.EditedAt
		out.EditCount = stored.EditCount
	}

	if stored.IsDeleted && !out.IsDeleted {
		out.IsDeleted = true
		out.DeletedAt = stored.DeletedAt
		out.Content = ""
		out.Attachments = nil
	}

	if len(out.Reactions) == 0 && stored.Confirmed() {
		out.Reactions = stored.Reactions
	}

	if out.SenderName == "" {
		out.SenderName = stored.SenderName
	}

	return out
}

func normalise(s string) string {
	return strings.TrimSpace(norm.NFC.String(s))
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}

	return d
}
