package tracker

import (
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// SessionKey names both the KV entry and the mirrored cookie.
const SessionKey = "_op_session"

type sessionState struct {
	SessionID    string `json:"sessionId"`
	LastActivity int64  `json:"lastActivity"`
}

// session tracks the current id and its last activity. Callers hold the
// tracker mutex.
type session struct {
	kv      KV
	timeout time.Duration

	id           string
	lastActivity time.Time
	loaded       bool
}

func (s *session) expired(now time.Time) bool {
	return now.Sub(s.lastActivity) > s.timeout
}

// touch returns the session id for an event tracked at now, reusing the
// current id when it has not expired. minted reports a fresh id.
func (s *session) touch(now time.Time) (id string, minted bool, err error) {
	if !s.loaded {
		s.loaded = true
		if err := s.load(); err != nil {
			return "", false, err
		}
	}
	if s.id != "" && s.expired(now) {
		if err := s.discard(); err != nil {
			return "", false, err
		}
	}
	if s.id == "" {
		s.id = newSessionID(now)
		minted = true
	}
	s.lastActivity = now
	return s.id, minted, s.save()
}

// rotateIfExpired discards an expired session so the next event mints a new
// one. It reports whether a rotation happened.
func (s *session) rotateIfExpired(now time.Time) (bool, error) {
	if !s.loaded {
		s.loaded = true
		if err := s.load(); err != nil {
			return false, err
		}
	}
	if s.id == "" || !s.expired(now) {
		return false, nil
	}
	return true, s.discard()
}

func (s *session) load() error {
	raw, ok, err := s.kv.Get(SessionKey)
	if err != nil || !ok {
		return err
	}
	var st sessionState
	if err := json.Unmarshal(raw, &st); err != nil || st.SessionID == "" {
		// Unreadable state is treated as no session.
		return s.kv.Delete(SessionKey)
	}
	s.id = st.SessionID
	s.lastActivity = time.UnixMilli(st.LastActivity)
	return nil
}

func (s *session) save() error {
	raw, err := json.Marshal(sessionState{
		SessionID:    s.id,
		LastActivity: s.lastActivity.UnixMilli(),
	})
	if err != nil {
		return err
	}
	return s.kv.Set(SessionKey, raw)
}

func (s *session) discard() error {
	s.id = ""
	s.lastActivity = time.Time{}
	return s.kv.Delete(SessionKey)
}

const suffixAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newSessionID returns "sess_<unix ms>_<9 lowercase alphanumerics>".
func newSessionID(now time.Time) string {
	random := uuid.New()
	var b strings.Builder
	b.WriteString("sess_")
	b.WriteString(strconv.FormatInt(now.UnixMilli(), 10))
	b.WriteByte('_')
	for i := 0; i < 9; i++ {
		b.WriteByte(suffixAlphabet[int(random[i])%len(suffixAlphabet)])
	}
	return b.String()
}
