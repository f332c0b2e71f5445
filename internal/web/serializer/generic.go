package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"time"
)

// encodeGeneric encodes v structurally. Arbitrary-precision integers are
// written as number literals wherever they appear in maps and slices.
func encodeGeneric(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
	case *big.Int:
		if x == nil {
			buf.WriteString("null")
		} else {
			buf.WriteString(x.String())
		}
	case big.Int:
		buf.WriteString(x.String())
	case time.Time:
		writeString(buf, x.Format(time.RFC3339Nano))
	case json.RawMessage:
		buf.Write(x)
	case map[string]interface{}:
		keys := make([]string, 0, len(x))
		for key := range x {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, key := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			writeString(buf, key)
			buf.WriteByte(':')
			if err := encodeGeneric(buf, x[key]); err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
		}
		buf.WriteByte('}')
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range x {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeGeneric(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
		}
		buf.Write(data)
	}
	return nil
}
