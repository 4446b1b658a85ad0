package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// FromJSON decodes a JSON document into a Value tree. Object key order is
// preserved in insertion order as it appears in the source document, since
// encoding/json's map-based Unmarshal does not guarantee that and
// PropertyTree's merge semantics depend on it.
func FromJSON(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	v, err := decodeJSONValue(dec)
	if err != nil {
		return nil, fmt.Errorf("value: decode json: %w", err)
	}
	return v, nil
}

func decodeJSONValue(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	return decodeJSONToken(dec, tok)
}

func decodeJSONToken(dec *json.Decoder, tok json.Token) (*Value, error) {
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			obj := NewObject()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("value: expected string object key, got %v", keyTok)
				}
				child, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				obj.ObjectSet(key, child)
			}
			if _, err := dec.Token(); err != nil { // consume '}'
				return nil, err
			}
			return obj, nil
		case '[':
			var items []*Value
			for dec.More() {
				child, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				items = append(items, child)
			}
			if _, err := dec.Token(); err != nil { // consume ']'
				return nil, err
			}
			return NewArray(items...), nil
		default:
			return nil, fmt.Errorf("value: unexpected delimiter %v", t)
		}
	case string:
		return NewString(t), nil
	case bool:
		return NewBool(t), nil
	case float64:
		return NewFloat64(t), nil
	case nil:
		return NewNull(), nil
	default:
		return nil, fmt.Errorf("value: unsupported json token %T", t)
	}
}

// ToJSON serialises a Value tree to JSON, preserving object key order.
func ToJSON(v *Value) ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeJSONValue(&buf, v); err != nil {
		return nil, fmt.Errorf("value: encode json: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeJSONValue(w io.Writer, v *Value) error {
	writeScalar := func(x any) error {
		b, err := json.Marshal(x)
		if err != nil {
			return err
		}
		_, err = w.Write(b)
		return err
	}
	switch v.Kind() {
	case KindNull:
		_, err := io.WriteString(w, "null")
		return err
	case KindBool:
		return writeScalar(v.b)
	case KindInt8, KindInt16, KindInt32, KindInt64:
		return writeScalar(v.i)
	case KindUint8, KindUint16, KindUint32, KindUint64:
		return writeScalar(v.u)
	case KindFloat32, KindFloat64:
		return writeScalar(v.f)
	case KindString:
		return writeScalar(v.s)
	case KindBuf:
		return writeScalar(v.buf)
	case KindArray:
		if _, err := io.WriteString(w, "["); err != nil {
			return err
		}
		for i, item := range v.arr {
			if i > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			if err := encodeJSONValue(w, item); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "]")
		return err
	case KindObject:
		if _, err := io.WriteString(w, "{"); err != nil {
			return err
		}
		for i, k := range v.obj.keys {
			if i > 0 {
				if _, err := io.WriteString(w, ","); err != nil {
					return err
				}
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return err
			}
			if _, err := w.Write(keyJSON); err != nil {
				return err
			}
			if _, err := io.WriteString(w, ":"); err != nil {
				return err
			}
			child, _ := v.obj.get(k)
			if err := encodeJSONValue(w, child); err != nil {
				return err
			}
		}
		_, err := io.WriteString(w, "}")
		return err
	case KindPtr:
		return fmt.Errorf("value: cannot serialise ptr value to json")
	default:
		return fmt.Errorf("value: unknown kind %s", v.Kind())
	}
}
