package kms

import (
	"fmt"
)

type Encoder struct {
	ID             uint32
	Type           uint32
	CrtcID         uint32
	PossibleCRTCs  uint32
	PossibleClones uint32
}

// NewEncoder resolves encoder id. An id of zero means the connector has no
// signal path and fails with ErrNoEncoder.
func NewEncoder(dev *Device, id uint32) (*Encoder, error) {
	if id == 0 {
		return nil, ErrNoEncoder
	}
	info, err := dev.card.Encoder(id)
	if err != nil {
		return nil, fmt.Errorf("resolve encoder: %w", err)
	}
	return &Encoder{
		ID:             info.ID,
		Type:           info.Type,
		CrtcID:         info.CrtcID,
		PossibleCRTCs:  info.PossibleCRTCs,
		PossibleClones: info.PossibleClones,
	}, nil
}

// CanDrive reports whether the encoder can be driven by the CRTC at index
// in the card's resource list.
func (e *Encoder) CanDrive(index int) bool {
	return index >= 0 && index < 32 && e.PossibleCRTCs&(1<<uint(index)) != 0
}
