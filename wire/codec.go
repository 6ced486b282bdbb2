package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Decoding failures are reported as *DecodeError values wrapping one of
// these.
var (
	ErrTruncated    = errors.New("truncated message")
	ErrUnknownKind  = errors.New("unknown message kind")
	ErrMissingField = errors.New("missing required field")
	ErrMalformed    = errors.New("malformed message")
)

// DecodeError describes a datagram that could not be decoded. Receivers are
// expected to drop the datagram and carry on.
type DecodeError struct {
	Kind  Kind
	Field string
	Err   error
}

func (d *DecodeError) Error() string {
	switch {
	case d.Field != "" && d.Kind != "":
		return fmt.Sprintf("failed to decode %s message: %s %q", d.Kind, d.Err, d.Field)
	case d.Field != "":
		return fmt.Sprintf("failed to decode message: %s %q", d.Err, d.Field)
	case d.Kind != "":
		return fmt.Sprintf("failed to decode %s message: %s", d.Kind, d.Err)
	default:
		return fmt.Sprintf("failed to decode message: %s", d.Err)
	}
}

func (d *DecodeError) Unwrap() error {
	return d.Err
}

type envelope struct {
	Kind     Kind            `json:"kind"`
	SenderID string          `json:"senderId"`
	SentAt   float64         `json:"sentAt"`
	Payload  json.RawMessage `json:"payload"`
}

// decodeEnvelope uses pointers so absent fields can be told apart from zero
// values.
type decodeEnvelope struct {
	Kind     *string         `json:"kind"`
	SenderID *string         `json:"senderId"`
	SentAt   *float64        `json:"sentAt"`
	Payload  json.RawMessage `json:"payload"`
}

// Encode serializes m into a single datagram.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("cannot encode message from %q without a payload", m.SenderID)
	}
	payload, marshalErr := json.Marshal(m.Payload)
	if marshalErr != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", m.Kind(), marshalErr)
	}
	return json.Marshal(envelope{
		Kind:     m.Kind(),
		SenderID: m.SenderID,
		SentAt:   epochSeconds(m.SentAt),
		Payload:  payload,
	})
}

// Decode parses a datagram produced by Encode. Fields it does not know about
// are ignored. Every failure is a *DecodeError.
func Decode(data []byte) (Message, error) {
	env := decodeEnvelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, &DecodeError{Err: classify(err, data)}
	}
	switch {
	case env.Kind == nil:
		return Message{}, &DecodeError{Field: "kind", Err: ErrMissingField}
	case env.SenderID == nil:
		return Message{}, &DecodeError{Field: "senderId", Err: ErrMissingField}
	case env.SentAt == nil:
		return Message{}, &DecodeError{Field: "sentAt", Err: ErrMissingField}
	}
	kind, known := ParseKind(*env.Kind)
	if !known {
		return Message{}, &DecodeError{Kind: kind, Err: ErrUnknownKind}
	}
	p, payloadErr := decodePayload(kind, env.Payload)
	if payloadErr != nil {
		return Message{}, payloadErr
	}
	return Message{
		SenderID: *env.SenderID,
		SentAt:   fromEpochSeconds(*env.SentAt),
		Payload:  p,
	}, nil
}

func classify(err error, data []byte) error {
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) && syntaxErr.Offset >= int64(len(data)) {
		return ErrTruncated
	}
	return fmt.Errorf("%w: %s", ErrMalformed, err)
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	missing := func(field string) error {
		return &DecodeError{Kind: kind, Field: field, Err: ErrMissingField}
	}
	unmarshal := func(v interface{}) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return &DecodeError{Kind: kind, Err: fmt.Errorf("%w: %s", ErrMalformed, err)}
		}
		return nil
	}

	switch kind {
	case KindHeartbeat:
		return Heartbeat{}, nil
	case KindShutdown:
		return Shutdown{}, nil
	case KindElection:
		p := struct {
			CandidateID *string `json:"candidateId"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.CandidateID == nil {
			return nil, missing("candidateId")
		}
		return Election{CandidateID: *p.CandidateID}, nil
	case KindCoordinator:
		p := struct {
			LeaderID *string `json:"leaderId"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.LeaderID == nil {
			return nil, missing("leaderId")
		}
		return Coordinator{LeaderID: *p.LeaderID}, nil
	case KindWord:
		p := struct {
			RoundIndex *int    `json:"roundIndex"`
			Word       *string `json:"word"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		switch {
		case p.RoundIndex == nil:
			return nil, missing("roundIndex")
		case p.Word == nil:
			return nil, missing("word")
		}
		return Word{RoundIndex: *p.RoundIndex, Word: *p.Word}, nil
	case KindAnswer:
		p := struct {
			RoundIndex *int    `json:"roundIndex"`
			Answer     *string `json:"answer"`
			LeaderID   string  `json:"leaderId"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		switch {
		case p.RoundIndex == nil:
			return nil, missing("roundIndex")
		case p.Answer == nil:
			return nil, missing("answer")
		}
		return Answer{RoundIndex: *p.RoundIndex, Answer: *p.Answer, LeaderID: p.LeaderID}, nil
	case KindAnswerAck:
		p := struct {
			RoundIndex *int   `json:"roundIndex"`
			PlayerID   string `json:"playerId"`
			Correct    *bool  `json:"correct"`
			Delta      *int   `json:"delta"`
			Duplicate  bool   `json:"duplicate"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		switch {
		case p.RoundIndex == nil:
			return nil, missing("roundIndex")
		case p.Correct == nil:
			return nil, missing("correct")
		case p.Delta == nil:
			return nil, missing("delta")
		}
		return AnswerAck{
			RoundIndex: *p.RoundIndex,
			PlayerID:   p.PlayerID,
			Correct:    *p.Correct,
			Delta:      *p.Delta,
			Duplicate:  p.Duplicate,
		}, nil
	case KindScoreboard:
		p := struct {
			NextRound *int          `json:"nextRound"`
			Entries   *[]scoreEntry `json:"entries"`
			UsedWords []string      `json:"usedWords"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		switch {
		case p.NextRound == nil:
			return nil, missing("nextRound")
		case p.Entries == nil:
			return nil, missing("entries")
		}
		entries, entriesErr := convertEntries(kind, *p.Entries)
		if entriesErr != nil {
			return nil, entriesErr
		}
		return Scoreboard{NextRound: *p.NextRound, Entries: entries, UsedWords: p.UsedWords}, nil
	case KindGameOver:
		p := struct {
			Entries *[]scoreEntry `json:"entries"`
		}{}
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if p.Entries == nil {
			return nil, missing("entries")
		}
		entries, entriesErr := convertEntries(kind, *p.Entries)
		if entriesErr != nil {
			return nil, entriesErr
		}
		return GameOver{Entries: entries}, nil
	default:
		return nil, &DecodeError{Kind: kind, Err: ErrUnknownKind}
	}
}

type scoreEntry struct {
	PlayerID *string `json:"playerId"`
	Score    int     `json:"score"`
	Active   bool    `json:"active"`
}

func convertEntries(kind Kind, in []scoreEntry) ([]ScoreEntry, error) {
	out := make([]ScoreEntry, 0, len(in))
	for i, e := range in {
		if e.PlayerID == nil {
			return nil, &DecodeError{
				Kind:  kind,
				Field: fmt.Sprintf("entries[%d].playerId", i),
				Err:   ErrMissingField,
			}
		}
		out = append(out, ScoreEntry{PlayerID: *e.PlayerID, Score: e.Score, Active: e.Active})
	}
	return out, nil
}

func epochSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix()) + float64(t.Nanosecond())/float64(time.Second)
}

// fromEpochSeconds keeps microsecond precision; finer digits are noise from
// the float encoding.
func fromEpochSeconds(s float64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(s)
	micros := math.Round(frac * 1e6)
	return time.Unix(int64(sec), int64(micros)*int64(time.Microsecond))
}
