// Package msgpcodec implements the bundled MessagePack wire codec for
// Message: one of possibly several interchangeable formats a Protocol may
// frame its payloads with, built directly on msgp's streaming
// reader/writer rather than a generated Marshaler.
package msgpcodec

import (
	"bytes"
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"github.com/nmxmxh/tenon/kernel/message"
	"github.com/nmxmxh/tenon/kernel/value"
)

// envelope field count: type, src, dests, cmd_name, cmd_id, seq_id, status,
// original_cmd_name, is_final, correlates_to, name, sample_rate, channels,
// bytes_per_sample, width, height, pixel_format, props.
const envelopeFieldCount = 18

// Encode writes msg as one MessagePack map. The property tree payload is
// carried as a nested MessagePack bin value holding its JSON encoding,
// reusing value's existing JSON codec for tree shape instead of
// duplicating it as a second msgp-native encoder.
func Encode(msg *message.Message) ([]byte, error) {
	var buf bytes.Buffer
	w := msgp.NewWriter(&buf)

	if err := w.WriteMapHeader(envelopeFieldCount); err != nil {
		return nil, fmt.Errorf("msgpcodec: writing envelope header: %w", err)
	}

	writeField := func(name string, write func() error) error {
		if err := w.WriteString(name); err != nil {
			return err
		}
		return write()
	}

	writeLoc := func(name string, loc message.Loc) error {
		return writeField(name, func() error {
			if err := w.WriteMapHeader(4); err != nil {
				return err
			}
			for _, kv := range [][2]string{
				{"app_uri", loc.AppURI},
				{"graph_id", loc.GraphID},
				{"extension_group_name", loc.ExtensionGroupName},
				{"extension_name", loc.ExtensionName},
			} {
				if err := w.WriteString(kv[0]); err != nil {
					return err
				}
				if err := w.WriteString(kv[1]); err != nil {
					return err
				}
			}
			return nil
		})
	}

	var err error
	err = firstErr(err, writeField("type", func() error { return w.WriteInt(int(msg.Type)) }))
	err = firstErr(err, writeLoc("src", msg.Src))
	err = firstErr(err, writeField("dests", func() error {
		if err := w.WriteArrayHeader(uint32(len(msg.Dests))); err != nil {
			return err
		}
		for _, d := range msg.Dests {
			if err := w.WriteMapHeader(4); err != nil {
				return err
			}
			for _, kv := range [][2]string{
				{"app_uri", d.AppURI},
				{"graph_id", d.GraphID},
				{"extension_group_name", d.ExtensionGroupName},
				{"extension_name", d.ExtensionName},
			} {
				if err := w.WriteString(kv[0]); err != nil {
					return err
				}
				if err := w.WriteString(kv[1]); err != nil {
					return err
				}
			}
		}
		return nil
	}))
	err = firstErr(err, writeField("cmd_name", func() error { return w.WriteString(msg.CmdName) }))
	err = firstErr(err, writeField("cmd_id", func() error { return w.WriteString(msg.CmdID) }))
	err = firstErr(err, writeField("seq_id", func() error { return w.WriteString(msg.SeqID) }))
	err = firstErr(err, writeField("status", func() error { return w.WriteInt(int(msg.Status)) }))
	err = firstErr(err, writeField("original_cmd_name", func() error { return w.WriteString(msg.OriginalCmdName) }))
	err = firstErr(err, writeField("is_final", func() error { return w.WriteBool(msg.IsFinal) }))
	err = firstErr(err, writeField("correlates_to", func() error { return w.WriteString(msg.CorrelatesTo) }))
	err = firstErr(err, writeField("name", func() error { return w.WriteString(msg.Name) }))
	err = firstErr(err, writeField("sample_rate", func() error { return w.WriteInt(msg.SampleRate) }))
	err = firstErr(err, writeField("channels", func() error { return w.WriteInt(msg.Channels) }))
	err = firstErr(err, writeField("bytes_per_sample", func() error { return w.WriteInt(msg.BytesPerSample) }))
	err = firstErr(err, writeField("width", func() error { return w.WriteInt(msg.Width) }))
	err = firstErr(err, writeField("height", func() error { return w.WriteInt(msg.Height) }))
	err = firstErr(err, writeField("pixel_format", func() error { return w.WriteString(msg.PixelFormat) }))
	err = firstErr(err, writeField("props", func() error {
		if msg.Props == nil {
			return w.WriteNil()
		}
		raw, jsonErr := value.ToJSON(msg.Props.Root())
		if jsonErr != nil {
			return jsonErr
		}
		return w.WriteBytes(raw)
	}))
	if err != nil {
		return nil, fmt.Errorf("msgpcodec: encoding message: %w", err)
	}
	if err := w.Flush(); err != nil {
		return nil, fmt.Errorf("msgpcodec: flushing: %w", err)
	}
	return buf.Bytes(), nil
}

func firstErr(existing, next error) error {
	if existing != nil {
		return existing
	}
	return next
}

// Decode reads one Message previously written by Encode.
func Decode(data []byte) (*message.Message, error) {
	r := msgp.NewReader(bytes.NewReader(data))

	n, err := r.ReadMapHeader()
	if err != nil {
		return nil, fmt.Errorf("msgpcodec: reading envelope header: %w", err)
	}

	msg := &message.Message{}
	readLoc := func() (message.Loc, error) {
		var loc message.Loc
		fields, err := r.ReadMapHeader()
		if err != nil {
			return loc, err
		}
		for i := uint32(0); i < fields; i++ {
			key, err := r.ReadString()
			if err != nil {
				return loc, err
			}
			val, err := r.ReadString()
			if err != nil {
				return loc, err
			}
			switch key {
			case "app_uri":
				loc.AppURI = val
			case "graph_id":
				loc.GraphID = val
			case "extension_group_name":
				loc.ExtensionGroupName = val
			case "extension_name":
				loc.ExtensionName = val
			}
		}
		return loc, nil
	}

	for i := uint32(0); i < n; i++ {
		key, err := r.ReadString()
		if err != nil {
			return nil, fmt.Errorf("msgpcodec: reading field name: %w", err)
		}
		switch key {
		case "type":
			v, err := r.ReadInt()
			if err != nil {
				return nil, err
			}
			msg.Type = message.Type(v)
		case "src":
			loc, err := readLoc()
			if err != nil {
				return nil, err
			}
			msg.Src = loc
		case "dests":
			count, err := r.ReadArrayHeader()
			if err != nil {
				return nil, err
			}
			dests := make([]message.Loc, count)
			for d := uint32(0); d < count; d++ {
				loc, err := readLoc()
				if err != nil {
					return nil, err
				}
				dests[d] = loc
			}
			msg.Dests = dests
		case "cmd_name":
			msg.CmdName, err = r.ReadString()
		case "cmd_id":
			msg.CmdID, err = r.ReadString()
		case "seq_id":
			msg.SeqID, err = r.ReadString()
		case "status":
			var v int
			v, err = r.ReadInt()
			msg.Status = message.StatusCode(v)
		case "original_cmd_name":
			msg.OriginalCmdName, err = r.ReadString()
		case "is_final":
			msg.IsFinal, err = r.ReadBool()
		case "correlates_to":
			msg.CorrelatesTo, err = r.ReadString()
		case "name":
			msg.Name, err = r.ReadString()
		case "sample_rate":
			msg.SampleRate, err = r.ReadInt()
		case "channels":
			msg.Channels, err = r.ReadInt()
		case "bytes_per_sample":
			msg.BytesPerSample, err = r.ReadInt()
		case "width":
			msg.Width, err = r.ReadInt()
		case "height":
			msg.Height, err = r.ReadInt()
		case "pixel_format":
			msg.PixelFormat, err = r.ReadString()
		case "props":
			var typ msgp.Type
			typ, err = r.NextType()
			if err != nil {
				break
			}
			if typ == msgp.NilType {
				err = r.ReadNil()
				break
			}
			var raw []byte
			raw, err = r.ReadBytes(nil)
			if err != nil {
				break
			}
			var v *value.Value
			v, err = value.FromJSON(raw)
			if err == nil {
				msg.Props = value.NewPropertyTreeFromValue(v)
			}
		default:
			err = r.Skip()
		}
		if err != nil {
			return nil, fmt.Errorf("msgpcodec: reading field %q: %w", key, err)
		}
	}
	return msg, nil
}
