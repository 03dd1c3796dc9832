package action

import (
	"bytes"

	json "github.com/goccy/go-json"

	"github.com/coachpo/offqueue/errs"
)

// EncodePayload marshals a typed payload. Raw JSON and byte slices are passed through.
func EncodePayload(payload any) (json.RawMessage, error) {
	switch typed := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return normalizeRaw(typed), nil
	case []byte:
		return normalizeRaw(typed), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, errs.New("action", errs.CodeInvalid, errs.WithMessage("encode payload"), errs.WithCause(err))
	}
	return raw, nil
}

func normalizeRaw(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(append([]byte(nil), trimmed...))
}

// DecodeJourneyAttempt decodes the payload of a journey_attempt action. A payload
// without a result object is rejected.
func (a PendingAction) DecodeJourneyAttempt() (JourneyAttempt, error) {
	var raw struct {
		JourneyID string         `json:"journeyId"`
		Result    *JourneyResult `json:"result"`
	}
	if err := a.decode(TypeJourneyAttempt, &raw); err != nil {
		return JourneyAttempt{}, err
	}
	if raw.Result == nil {
		return JourneyAttempt{}, errs.New("action", errs.CodeInvalid, errs.WithMessage("journey result required"), errs.WithField("id", a.ID))
	}
	return JourneyAttempt{JourneyID: raw.JourneyID, Result: *raw.Result}, nil
}

// DecodeCreditUpdate decodes the payload of a credit_update action.
func (a PendingAction) DecodeCreditUpdate() (CreditUpdate, error) {
	var out CreditUpdate
	if err := a.decode(TypeCreditUpdate, &out); err != nil {
		return out, err
	}
	return out, nil
}

// DecodeProgressUpdate decodes the payload of a progress_update action.
func (a PendingAction) DecodeProgressUpdate() (ProgressUpdate, error) {
	var out ProgressUpdate
	if err := a.decode(TypeProgressUpdate, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (a PendingAction) decode(want Type, dst any) error {
	if a.Type != want {
		return errs.New("action", errs.CodeInvalid,
			errs.WithMessage("payload type mismatch"),
			errs.WithField("want", string(want)),
			errs.WithField("got", string(a.Type)))
	}
	if len(a.Payload) == 0 {
		return errs.New("action", errs.CodeInvalid, errs.WithMessage("empty payload"), errs.WithField("id", a.ID))
	}
	if err := json.Unmarshal(a.Payload, dst); err != nil {
		return errs.New("action", errs.CodeInvalid, errs.WithMessage("decode payload"), errs.WithField("id", a.ID), errs.WithCause(err))
	}
	return nil
}
