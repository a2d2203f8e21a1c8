package capability

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Unmapped is passed to extension mapping handlers when a mapping is removed.
const Unmapped = -1

// maxExtensionID is the largest ID of the two-byte header extension form.
const maxExtensionID = 255

// ErrInvalidExtensionID is returned for IDs outside 1..255.
var ErrInvalidExtensionID = errors.New("capability: invalid extension ID")

// ExtensionMappingHandler receives the ID an extension is mapped to, or
// Unmapped.
type ExtensionMappingHandler func(id int)

// ChangeHandler is invoked after the feedback capabilities changed.
type ChangeHandler func()

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger. Default: no-op.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type extensionSub struct {
	kind ExtensionKind
	fn   ExtensionMappingHandler
}

// Store holds the negotiated capabilities of one connection.
//
// Handlers registered with OnExtensionMapping and OnCapabilityChange are
// replayed with the current state when registered and then invoked after
// every change. Updates and their notifications are serialized, so handlers
// see changes in commit order. Handlers are called without the state lock
// held and may query the store, but must not update it.
type Store struct {
	logger *zap.Logger

	// notifyMu is held across commit and dispatch.
	notifyMu sync.Mutex

	mu         sync.Mutex
	remb       bool
	tcc        bool
	extensions map[ExtensionKind]int

	nextID        int
	extensionSubs map[int]extensionSub
	changeSubs    map[int]ChangeHandler
}

// NewStore creates an empty Store: no feedback supported, nothing mapped.
func NewStore(opts ...Option) *Store {
	s := &Store{
		logger:        zap.NewNop(),
		extensions:    make(map[ExtensionKind]int),
		extensionSubs: make(map[int]extensionSub),
		changeSubs:    make(map[int]ChangeHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("capability")
	return s
}

// SupportsREMB reports whether goog-remb feedback was negotiated.
func (s *Store) SupportsREMB() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remb
}

// SupportsTCC reports whether transport-cc feedback was negotiated.
func (s *Store) SupportsTCC() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tcc
}

// Feedback returns both feedback flags from the same state.
func (s *Store) Feedback() (remb, tcc bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remb, s.tcc
}

// ExtensionID returns the ID kind is mapped to.
func (s *Store) ExtensionID(kind ExtensionKind) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.extensions[kind]
	return id, ok
}

// OnExtensionMapping registers fn for mapping changes of kind. If kind is
// already mapped, fn is called with the current ID before returning.
func (s *Store) OnExtensionMapping(kind ExtensionKind, fn ExtensionMappingHandler) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.extensionSubs[id] = extensionSub{kind: kind, fn: fn}
	current, mapped := s.extensions[kind]
	s.mu.Unlock()

	if mapped {
		fn(current)
	}
	return func() {
		s.mu.Lock()
		delete(s.extensionSubs, id)
		s.mu.Unlock()
	}
}

// OnCapabilityChange registers fn for feedback capability changes. fn is
// called once before returning so the subscriber can derive its state.
func (s *Store) OnCapabilityChange(fn ChangeHandler) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.changeSubs[id] = fn
	s.mu.Unlock()

	fn()
	return func() {
		s.mu.Lock()
		delete(s.changeSubs, id)
		s.mu.Unlock()
	}
}

// SetFeedback sets the negotiated feedback mechanisms.
func (s *Store) SetFeedback(remb, tcc bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := s.setFeedbackLocked(remb, tcc)
	handlers := s.changeHandlersLocked(changed)
	s.mu.Unlock()

	notifyChange(handlers)
}

// SetExtensionMapping maps kind to id.
func (s *Store) SetExtensionMapping(kind ExtensionKind, id int) error {
	if id < 1 || id > maxExtensionID {
		return fmt.Errorf("%w: %d for %s", ErrInvalidExtensionID, id, kind)
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	calls := s.setMappingLocked(kind, id)
	s.mu.Unlock()

	notifyMappings(calls)
	return nil
}

// ClearExtensionMapping removes the mapping of kind.
func (s *Store) ClearExtensionMapping(kind ExtensionKind) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	calls := s.setMappingLocked(kind, Unmapped)
	s.mu.Unlock()

	notifyMappings(calls)
}

// UpdateFromStreamInfo adds what a bound pion stream negotiated. Streams only
// add capabilities: binding an audio stream without goog-remb does not turn
// REMB off for the video stream bound before it.
func (s *Store) UpdateFromStreamInfo(info *interceptor.StreamInfo) {
	if info == nil {
		return
	}

	remb, tcc := false, false
	for _, fb := range info.RTCPFeedback {
		switch fb.Type {
		case webrtc.TypeRTCPFBGoogREMB:
			remb = true
		case webrtc.TypeRTCPFBTransportCC:
			tcc = true
		}
	}

	mappings := make(map[ExtensionKind]int)
	for _, ext := range info.RTPHeaderExtensions {
		if kind, ok := KindFromURI(ext.URI); ok && ext.ID > 0 && ext.ID <= maxExtensionID {
			mappings[kind] = ext.ID
		}
	}

	s.merge(remb, tcc, mappings)
}

// UpdateFromRTPParameters adds what a pion receiver or sender negotiated.
// Like UpdateFromStreamInfo it never removes capabilities.
func (s *Store) UpdateFromRTPParameters(params webrtc.RTPParameters) {
	remb, tcc := false, false
	for _, codec := range params.Codecs {
		for _, fb := range codec.RTCPFeedback {
			switch fb.Type {
			case webrtc.TypeRTCPFBGoogREMB:
				remb = true
			case webrtc.TypeRTCPFBTransportCC:
				tcc = true
			}
		}
	}

	mappings := make(map[ExtensionKind]int)
	for _, ext := range params.HeaderExtensions {
		if kind, ok := KindFromURI(ext.URI); ok && ext.ID > 0 && ext.ID <= maxExtensionID {
			mappings[kind] = ext.ID
		}
	}

	s.merge(remb, tcc, mappings)
}

// UpdateFromSDP replaces the stored capabilities with those of a negotiated
// session description. Malformed extmap attributes are skipped and reported
// together in the returned error; the rest of the description still applies.
func (s *Store) UpdateFromSDP(desc *sdp.SessionDescription) error {
	if desc == nil {
		return nil
	}

	var errs error
	remb, tcc := false, false
	mappings := make(map[ExtensionKind]int)

	for _, media := range desc.MediaDescriptions {
		for _, attr := range media.Attributes {
			raw := attr.String()
			switch {
			case strings.HasPrefix(raw, sdp.AttrKeyExtMap+":"):
				var ext sdp.ExtMap
				if err := ext.Unmarshal(raw); err != nil {
					errs = multierr.Append(errs, fmt.Errorf("capability: media %s: %w", media.MediaName.Media, err))
					continue
				}
				if ext.URI == nil {
					continue
				}
				kind, ok := KindFromURI(ext.URI.String())
				if !ok {
					continue
				}
				if _, seen := mappings[kind]; !seen {
					mappings[kind] = ext.Value
				}
			case attr.Key == "rtcp-fb":
				fields := strings.Fields(attr.Value)
				if len(fields) < 2 {
					continue
				}
				switch fields[1] {
				case webrtc.TypeRTCPFBGoogREMB:
					remb = true
				case webrtc.TypeRTCPFBTransportCC:
					tcc = true
				}
			}
		}
	}

	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := s.setFeedbackLocked(remb, tcc)
	var calls []mappingCall
	for _, kind := range allKinds() {
		id, ok := mappings[kind]
		if !ok {
			id = Unmapped
		}
		calls = append(calls, s.setMappingLocked(kind, id)...)
	}
	handlers := s.changeHandlersLocked(changed)
	s.mu.Unlock()

	notifyMappings(calls)
	notifyChange(handlers)
	return errs
}

func (s *Store) merge(remb, tcc bool, mappings map[ExtensionKind]int) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	changed := s.setFeedbackLocked(s.remb || remb, s.tcc || tcc)
	var calls []mappingCall
	for kind, id := range mappings {
		calls = append(calls, s.setMappingLocked(kind, id)...)
	}
	handlers := s.changeHandlersLocked(changed)
	s.mu.Unlock()

	notifyMappings(calls)
	notifyChange(handlers)
}

func (s *Store) setFeedbackLocked(remb, tcc bool) bool {
	if s.remb == remb && s.tcc == tcc {
		return false
	}
	s.logger.Debug("feedback capabilities changed",
		zap.Bool("remb", remb),
		zap.Bool("tcc", tcc),
	)
	s.remb, s.tcc = remb, tcc
	return true
}

type mappingCall struct {
	fn ExtensionMappingHandler
	id int
}

// setMappingLocked applies one mapping and returns the handler calls it
// requires.
func (s *Store) setMappingLocked(kind ExtensionKind, id int) []mappingCall {
	current, mapped := s.extensions[kind]
	if id == Unmapped {
		if !mapped {
			return nil
		}
		delete(s.extensions, kind)
	} else {
		if mapped && current == id {
			return nil
		}
		s.extensions[kind] = id
	}
	s.logger.Debug("extension mapping changed",
		zap.Stringer("extension", kind),
		zap.Int("id", id),
	)

	var calls []mappingCall
	for _, sub := range s.extensionSubs {
		if sub.kind == kind {
			calls = append(calls, mappingCall{fn: sub.fn, id: id})
		}
	}
	return calls
}

func (s *Store) changeHandlersLocked(changed bool) []ChangeHandler {
	if !changed {
		return nil
	}
	handlers := make([]ChangeHandler, 0, len(s.changeSubs))
	for _, fn := range s.changeSubs {
		handlers = append(handlers, fn)
	}
	return handlers
}

func notifyMappings(calls []mappingCall) {
	for _, c := range calls {
		c.fn(c.id)
	}
}

func notifyChange(handlers []ChangeHandler) {
	for _, fn := range handlers {
		fn()
	}
}

func allKinds() []ExtensionKind {
	return []ExtensionKind{AbsSendTime, TransportCC, AudioLevel, SDESMid, AbsCaptureTime}
}
