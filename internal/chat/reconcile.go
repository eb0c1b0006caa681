package chat

import (
	"sync"
	"time"
)

var now = time.Now

// DefaultDuplicateWindow is the id distance under which two final human
// messages with the same text count as one double-delivered message.
const DefaultDuplicateWindow int64 = 5000

const subscriberBuffer = 32

type Outcome string

const (
	OutcomeAppended  Outcome = "appended"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFiltered  Outcome = "filtered"
)

type State int

const (
	StateEmpty State = iota
	StateLoaded
)

func (s State) String() string {
	if s == StateLoaded {
		return "loaded"
	}
	return "empty"
}

type ChangeKind string

const (
	ChangeAppend  ChangeKind = "append"
	ChangeReplace ChangeKind = "replace"
	ChangeRemove  ChangeKind = "remove"
	ChangeReset   ChangeKind = "reset"
)

// Change describes one mutation of a transcript. Reset carries the whole
// transcript; the other kinds carry the affected message and its position.
type Change struct {
	Kind       ChangeKind `json:"kind"`
	Index      int        `json:"index"`
	Message    *Message   `json:"message,omitempty"`
	ReplacedID MessageID  `json:"replaced_id,omitempty"`
	Messages   []Message  `json:"messages,omitempty"`
}

type Option func(*Reconciler)

// WithDuplicateWindow sets the id proximity used to suppress double
// deliveries. Zero or a negative value turns the check off.
func WithDuplicateWindow(window int64) Option {
	return func(r *Reconciler) {
		r.window = window
	}
}

func WithMetrics(m *Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

// Reconciler owns one ordered, duplicate-free transcript. All methods are
// safe for concurrent use; events are applied in the order they are received.
type Reconciler struct {
	mu       sync.Mutex
	messages []Message
	state    State
	window   int64
	metrics  *Metrics

	subs    map[int]chan Change
	nextSub int
}

func NewReconciler(opts ...Option) *Reconciler {
	r := &Reconciler{
		window: DefaultDuplicateWindow,
		subs:   make(map[int]chan Change),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load replaces the transcript with stored messages. Stored rows are only
// checked for sentinels and repeated ids; a question asked twice stays
// twice. Placeholders that were outstanding before the load are kept
// unless a stored human message with the same text appeared since the
// previous load.
func (r *Reconciler) Load(messages []Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	known := make(map[MessageID]bool, len(r.messages))
	var pending []Message
	for _, existing := range r.messages {
		if existing.IsPlaceholder() {
			pending = append(pending, existing)
			continue
		}
		known[existing.ID] = true
	}

	r.messages = make([]Message, 0, len(messages)+len(pending))
	for _, msg := range messages {
		r.metrics.observe(r.appendStored(msg))
	}
	claimed := make(map[MessageID]bool)
	for _, placeholder := range pending {
		r.metrics.observe(r.restorePlaceholder(placeholder, known, claimed))
	}
	r.state = StateLoaded
	r.publish(Change{Kind: ChangeReset, Messages: r.snapshot()})
}

// appendStored adds one stored row during a load. Callers hold r.mu.
func (r *Reconciler) appendStored(msg Message) Outcome {
	if IsSentinel(msg.Content) {
		return OutcomeFiltered
	}
	if r.indexOf(msg.ID) >= 0 {
		return OutcomeDuplicate
	}
	r.messages = append(r.messages, msg)
	return OutcomeAppended
}

// restorePlaceholder re-adds an outstanding placeholder after a load. A
// stored human message with the same text counts as its final copy only if
// its id was not in the transcript before the load and no other placeholder
// claimed it. Callers hold r.mu.
func (r *Reconciler) restorePlaceholder(placeholder Message, known, claimed map[MessageID]bool) Outcome {
	if r.indexOf(placeholder.ID) >= 0 {
		return OutcomeDuplicate
	}
	text, _ := placeholder.humanText()
	for _, msg := range r.messages {
		if msg.ID.IsTemporary() || known[msg.ID] || claimed[msg.ID] {
			continue
		}
		if stored, ok := msg.humanText(); ok && stored == text {
			claimed[msg.ID] = true
			return OutcomeReplaced
		}
	}
	r.messages = append(r.messages, placeholder)
	return OutcomeAppended
}

func (r *Reconciler) indexOf(id MessageID) int {
	for i, existing := range r.messages {
		if existing.ID == id {
			return i
		}
	}
	return -1
}

// Merge offers one candidate to the transcript.
func (r *Reconciler) Merge(candidate Message) Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	outcome, index, replaced := r.apply(candidate)
	r.metrics.observe(outcome)

	switch outcome {
	case OutcomeAppended:
		msg := r.messages[index]
		r.publish(Change{Kind: ChangeAppend, Index: index, Message: &msg})
	case OutcomeReplaced:
		msg := r.messages[index]
		r.publish(Change{Kind: ChangeReplace, Index: index, Message: &msg, ReplacedID: replaced})
	}
	return outcome
}

// apply runs the merge rules against the transcript and returns the outcome,
// the index the candidate landed at and the id it replaced. Callers hold r.mu.
func (r *Reconciler) apply(candidate Message) (Outcome, int, MessageID) {
	if IsSentinel(candidate.Content) {
		return OutcomeFiltered, -1, ""
	}

	if r.indexOf(candidate.ID) >= 0 {
		return OutcomeDuplicate, -1, ""
	}

	text, ok := candidate.humanText()
	if ok {
		temporary := candidate.ID.IsTemporary()
		for i, existing := range r.messages {
			existingText, ok := existing.humanText()
			if !ok || existingText != text || existing.ID.IsTemporary() == temporary {
				continue
			}
			if temporary {
				return OutcomeDuplicate, -1, ""
			}
			r.messages[i] = candidate
			return OutcomeReplaced, i, existing.ID
		}
		if !temporary && r.nearDuplicate(candidate, text) {
			return OutcomeDuplicate, -1, ""
		}
	}

	r.messages = append(r.messages, candidate)
	return OutcomeAppended, len(r.messages) - 1, ""
}

func (r *Reconciler) nearDuplicate(candidate Message, text string) bool {
	if r.window <= 0 {
		return false
	}
	id, ok := candidate.ID.Sequence()
	if !ok {
		return false
	}
	for _, existing := range r.messages {
		if existing.ID.IsTemporary() {
			continue
		}
		existingText, ok := existing.humanText()
		if !ok || existingText != text {
			continue
		}
		other, ok := existing.ID.Sequence()
		if !ok {
			continue
		}
		diff := id - other
		if diff < 0 {
			diff = -diff
		}
		if diff < r.window {
			return true
		}
	}
	return false
}

// AddPlaceholder appends a provisional human message for text. Placeholders
// bypass the duplicate rules: repeating an earlier question is a new turn.
func (r *Reconciler) AddPlaceholder(sessionKey, text string) Message {
	msg := NewPlaceholder(sessionKey, text, now())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, msg)
	r.publish(Change{Kind: ChangeAppend, Index: len(r.messages) - 1, Message: &msg})
	return msg
}

// Remove deletes the message with id, reporting whether it was present.
func (r *Reconciler) Remove(id MessageID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, existing := range r.messages {
		if existing.ID != id {
			continue
		}
		r.messages = append(r.messages[:i], r.messages[i+1:]...)
		removed := existing
		r.publish(Change{Kind: ChangeRemove, Index: i, Message: &removed})
		return true
	}
	return false
}

// Pending returns the newest placeholder that no assistant message has
// answered yet.
func (r *Reconciler) Pending() (Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := len(r.messages) - 1; i >= 0; i-- {
		msg := r.messages[i]
		if msg.Role == RoleAI {
			return Message{}, false
		}
		if msg.IsPlaceholder() {
			return msg, true
		}
	}
	return Message{}, false
}

func (r *Reconciler) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Reconciler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func (r *Reconciler) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Clear empties the transcript and returns it to StateEmpty.
func (r *Reconciler) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
	r.state = StateEmpty
	r.publish(Change{Kind: ChangeReset, Messages: []Message{}})
}

// Subscribe returns a stream of transcript changes and a function that ends
// the subscription. A subscriber that falls behind misses changes instead of
// blocking the transcript.
func (r *Reconciler) Subscribe() (<-chan Change, func()) {
	ch := make(chan Change, subscriberBuffer)

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of open subscriptions.
func (r *Reconciler) Subscribers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Reconciler) publish(change Change) {
	for _, ch := range r.subs {
		select {
		case ch <- change:
		default:
		}
	}
}

func (r *Reconciler) snapshot() []Message {
	out := make([]Message, len(r.messages))
	copy(out, r.messages)
	return out
}
