package remote

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ganadoscan/ganadoscan/internal/models"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeStrict decodes exactly one JSON value, rejecting unknown fields, and
// validates structs.
func decodeStrict(r io.Reader, v any, validate *validator.Validate) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("decode: trailing data")
	}
	if reflect.Indirect(reflect.ValueOf(v)).Kind() == reflect.Struct {
		if err := validate.Struct(v); err != nil {
			return fmt.Errorf("validate: %w", err)
		}
	}
	return nil
}

// DecodeEvent turns a raw feed frame into a typed event. Frames with unknown
// fields, unknown collections, or records that fail validation are rejected.
func DecodeEvent(raw []byte, validate *validator.Validate) (models.Event, error) {
	var msg models.FeedMessage
	if err := decodeStrict(strings.NewReader(string(raw)), &msg, validate); err != nil {
		return models.Event{}, err
	}

	ev := models.Event{Type: msg.Type, Collection: msg.Collection, ID: msg.ID}
	if msg.Type == models.EventDelete {
		return ev, nil
	}
	if len(msg.Record) == 0 {
		return models.Event{}, fmt.Errorf("%s event for %s/%s has no record", msg.Type, msg.Collection, msg.ID)
	}

	switch msg.Collection {
	case models.CollectionTags:
		var t models.Tag
		if err := decodeStrict(strings.NewReader(string(msg.Record)), &t, validate); err != nil {
			return models.Event{}, fmt.Errorf("tag record: %w", err)
		}
		if t.ID != msg.ID {
			return models.Event{}, fmt.Errorf("tag record id %s does not match event id %s", t.ID, msg.ID)
		}
		ev.Tag = &t
	case models.CollectionBatches:
		var b models.Batch
		if err := decodeStrict(strings.NewReader(string(msg.Record)), &b, validate); err != nil {
			return models.Event{}, fmt.Errorf("batch record: %w", err)
		}
		if b.ID != msg.ID {
			return models.Event{}, fmt.Errorf("batch record id %s does not match event id %s", b.ID, msg.ID)
		}
		ev.Batch = &b
	}
	return ev, nil
}
