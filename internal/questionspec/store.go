package questionspec

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/jesmine0820/ielts-listening-question-generator/internal/storage"
)

// KV is the client-side key/value state. Implemented by storage.Store.
type KV interface {
	SetValue(key, value string) error
	GetValue(key string) (string, error)
}

// Save stores spec as the pending input of the next generation run.
func Save(kv KV, s Spec) error {
	data, err := s.JSON()
	if err != nil {
		return err
	}
	if err := kv.SetValue(storage.KeyQuestionData, data); err != nil {
		return fmt.Errorf("saving question data: %w", err)
	}
	if err := kv.SetValue(storage.KeyGenerateWithAudio, strconv.FormatBool(s.GenerateWithAudio)); err != nil {
		return fmt.Errorf("saving audio preference: %w", err)
	}
	return nil
}

// Pending returns the stored spec without consuming it. ok is false when
// nothing is pending.
func Pending(kv KV) (s Spec, ok bool, err error) {
	data, err := kv.GetValue(storage.KeyQuestionData)
	if errors.Is(err, storage.ErrNotFound) {
		return Spec{}, false, nil
	}
	if err != nil {
		return Spec{}, false, fmt.Errorf("reading question data: %w", err)
	}
	if s, err = Parse(data); err != nil {
		return Spec{}, false, err
	}
	audio, err := kv.GetValue(storage.KeyGenerateWithAudio)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Spec{}, false, fmt.Errorf("reading audio preference: %w", err)
	}
	s.GenerateWithAudio = audio == "true"
	return s, true, nil
}
