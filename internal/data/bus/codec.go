package bus

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/syntrixbase/itemgate/internal/pubsub"
)

// Update is one bus message. A nil field value is a null field.
type Update struct {
	Fields        map[string]*string
	Snapshot      bool
	EndOfSnapshot bool
	Clear         bool
}

var (
	errInvalidJSON = errors.New("invalid json payload")
	errFields      = errors.New("fields must be an object")
	errEmpty       = errors.New("update carries no fields, eos or clear")
)

// Decode parses a payload. Numbers, booleans and nested values are kept
// in their JSON text form.
func Decode(payload []byte) (Update, error) {
	if !gjson.ValidBytes(payload) {
		return Update{}, errInvalidJSON
	}
	doc := gjson.ParseBytes(payload)
	if !doc.IsObject() {
		return Update{}, errInvalidJSON
	}

	u := Update{
		Snapshot:      doc.Get("snapshot").Bool(),
		EndOfSnapshot: doc.Get("eos").Bool(),
		Clear:         doc.Get("clear").Bool(),
	}
	if fields := doc.Get("fields"); fields.Exists() {
		if !fields.IsObject() {
			return Update{}, errFields
		}
		u.Fields = make(map[string]*string)
		fields.ForEach(func(k, v gjson.Result) bool {
			u.Fields[k.String()] = textOf(v)
			return true
		})
	}
	if u.Fields == nil && !u.EndOfSnapshot && !u.Clear {
		return Update{}, errEmpty
	}
	return u, nil
}

func textOf(v gjson.Result) *string {
	switch v.Type {
	case gjson.Null:
		return nil
	case gjson.String:
		s := v.Str
		return &s
	default:
		s := v.Raw
		return &s
	}
}

// Encode builds the payload Decode reads.
func Encode(u Update) ([]byte, error) {
	out := []byte("{}")
	var err error
	if u.Fields != nil {
		if out, err = sjson.SetRawBytes(out, "fields", []byte("{}")); err != nil {
			return nil, err
		}
		names := make([]string, 0, len(u.Fields))
		for name := range u.Fields {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			var v any
			if s := u.Fields[name]; s != nil {
				v = *s
			}
			if out, err = sjson.SetBytes(out, "fields."+escapePath(name), v); err != nil {
				return nil, err
			}
		}
	}
	for _, flag := range []struct {
		path string
		set  bool
	}{{"snapshot", u.Snapshot}, {"eos", u.EndOfSnapshot}, {"clear", u.Clear}} {
		if !flag.set {
			continue
		}
		if out, err = sjson.SetBytes(out, flag.path, true); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Publish encodes u and sends it for item. pub carries the subject prefix.
func Publish(ctx context.Context, pub pubsub.Publisher, item string, u Update) error {
	payload, err := Encode(u)
	if err != nil {
		return err
	}
	return pub.Publish(ctx, item, payload)
}

func escapePath(name string) string {
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(`\.*?#|@!:`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
