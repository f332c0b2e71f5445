package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"sort"
	"strconv"
	"time"
)

// encodeFunc appends the JSON form of v to buf
type encodeFunc func(buf *bytes.Buffer, v interface{}) error

// compiler turns one schema document into an encodeFunc tree
type compiler struct {
	resolver resolver
	refs     map[string]*encodeFunc
}

func (c *compiler) compile(schema, root Schema, rootName string) (encodeFunc, error) {
	if ref, ok := schema["$ref"].(string); ok {
		return c.compileRef(ref, root, rootName)
	}

	types := inferTypes(schema)
	if len(types) == 0 {
		return encodeGeneric, nil
	}

	nullable := contains(types, "null")
	names := make([]string, 0, len(types))
	encoders := make([]encodeFunc, 0, len(types))
	for _, t := range types {
		if t == "null" {
			continue
		}
		enc, err := c.compileType(t, schema, root, rootName)
		if err != nil {
			return nil, err
		}
		names = append(names, t)
		encoders = append(encoders, enc)
	}

	if len(encoders) == 0 {
		return encodeNull, nil
	}

	return func(buf *bytes.Buffer, v interface{}) error {
		if isNil(v) {
			if nullable {
				buf.WriteString("null")
				return nil
			}
			return encoders[0](buf, nil)
		}
		if len(encoders) > 1 {
			for i, t := range names {
				if matchesType(t, v) {
					return encoders[i](buf, v)
				}
			}
		}
		return encoders[0](buf, v)
	}, nil
}

// compileRef compiles the target of a "$ref" once per document, so
// recursive schemas terminate.
func (c *compiler) compileRef(ref string, root Schema, rootName string) (encodeFunc, error) {
	target, doc, docName, key, err := c.resolver.resolve(ref, root, rootName)
	if err != nil {
		return nil, err
	}

	if slot, ok := c.refs[key]; ok {
		return func(buf *bytes.Buffer, v interface{}) error {
			return (*slot)(buf, v)
		}, nil
	}

	slot := new(encodeFunc)
	c.refs[key] = slot
	fn, err := c.compile(target, doc, docName)
	if err != nil {
		return nil, err
	}
	*slot = fn
	return fn, nil
}

func (c *compiler) compileType(t string, schema, root Schema, rootName string) (encodeFunc, error) {
	switch t {
	case "string":
		format, _ := schema["format"].(string)
		return stringEncoder(format), nil
	case "number":
		return encodeNumber, nil
	case "integer":
		return encodeInteger, nil
	case "boolean":
		return encodeBoolean, nil
	case "bigint":
		return encodeBigInt, nil
	case "object":
		return c.compileObject(schema, root, rootName)
	case "array":
		return c.compileArray(schema, root, rootName)
	default:
		return nil, fmt.Errorf("unsupported schema type %q", t)
	}
}

type property struct {
	name     string
	encode   encodeFunc
	required bool
}

func (c *compiler) compileObject(schema, root Schema, rootName string) (encodeFunc, error) {
	names, props := properties(schema)
	required := requiredNames(schema)

	compiled := make([]property, 0, len(names))
	declared := make(map[string]bool, len(names))
	for _, name := range names {
		enc, err := c.compile(props[name], root, rootName)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", name, err)
		}
		compiled = append(compiled, property{
			name:     name,
			encode:   enc,
			required: contains(required, name),
		})
		declared[name] = true
	}

	// Properties outside the schema are dropped unless the schema allows them
	var additional encodeFunc
	switch extra := schema["additionalProperties"].(type) {
	case bool:
		if extra {
			additional = encodeGeneric
		}
	case map[string]interface{}:
		enc, err := c.compile(extra, root, rootName)
		if err != nil {
			return nil, fmt.Errorf("additionalProperties: %w", err)
		}
		additional = enc
	}

	return func(buf *bytes.Buffer, v interface{}) error {
		obj, ok := toObject(v)
		if !ok {
			return fmt.Errorf("%w: %T as object", ErrUnsupportedValue, v)
		}

		for _, name := range required {
			if _, present := obj[name]; !present {
				return fmt.Errorf("%w: %q", ErrRequired, name)
			}
		}

		buf.WriteByte('{')
		first := true
		for _, prop := range compiled {
			value, present := obj[prop.name]
			if !present {
				continue
			}
			writeKey(buf, prop.name, &first)
			if err := prop.encode(buf, value); err != nil {
				return fmt.Errorf("%s: %w", prop.name, err)
			}
		}

		if additional != nil {
			keys := make([]string, 0, len(obj))
			for key := range obj {
				if !declared[key] {
					keys = append(keys, key)
				}
			}
			sort.Strings(keys)
			for _, key := range keys {
				writeKey(buf, key, &first)
				if err := additional(buf, obj[key]); err != nil {
					return fmt.Errorf("%s: %w", key, err)
				}
			}
		}

		buf.WriteByte('}')
		return nil
	}, nil
}

func (c *compiler) compileArray(schema, root Schema, rootName string) (encodeFunc, error) {
	item := encodeFunc(encodeGeneric)
	var tuple []encodeFunc

	switch items := schema["items"].(type) {
	case map[string]interface{}:
		enc, err := c.compile(items, root, rootName)
		if err != nil {
			return nil, fmt.Errorf("items: %w", err)
		}
		item = enc
	case []interface{}:
		for i, raw := range items {
			sub, ok := raw.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("items[%d] is not a schema", i)
			}
			enc, err := c.compile(sub, root, rootName)
			if err != nil {
				return nil, fmt.Errorf("items[%d]: %w", i, err)
			}
			tuple = append(tuple, enc)
		}
	}

	return func(buf *bytes.Buffer, v interface{}) error {
		arr, ok := toArray(v)
		if !ok {
			return fmt.Errorf("%w: %T as array", ErrUnsupportedValue, v)
		}

		buf.WriteByte('[')
		for i, elem := range arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			enc := item
			if tuple != nil {
				enc = encodeGeneric
				if i < len(tuple) {
					enc = tuple[i]
				}
			}
			if err := enc(buf, elem); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
		return nil
	}, nil
}

func writeKey(buf *bytes.Buffer, key string, first *bool) {
	if !*first {
		buf.WriteByte(',')
	}
	*first = false
	writeString(buf, key)
	buf.WriteByte(':')
}

func writeString(buf *bytes.Buffer, s string) {
	data, _ := json.Marshal(s)
	buf.Write(data)
}

func encodeNull(buf *bytes.Buffer, _ interface{}) error {
	buf.WriteString("null")
	return nil
}

// stringEncoder coerces scalars to strings. Times use RFC 3339, narrowed
// by the "date" and "time" formats.
func stringEncoder(format string) encodeFunc {
	return func(buf *bytes.Buffer, v interface{}) error {
		switch x := v.(type) {
		case nil:
			writeString(buf, "")
		case string:
			writeString(buf, x)
		case time.Time:
			writeString(buf, formatTime(x, format))
		case *time.Time:
			writeString(buf, formatTime(*x, format))
		case []byte:
			writeString(buf, string(x))
		case *big.Int:
			writeString(buf, x.String())
		case json.Number:
			writeString(buf, x.String())
		case fmt.Stringer:
			writeString(buf, x.String())
		case bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
			writeString(buf, fmt.Sprint(x))
		case float32:
			writeString(buf, strconv.FormatFloat(float64(x), 'f', -1, 32))
		case float64:
			writeString(buf, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			return fmt.Errorf("%w: %T as string", ErrUnsupportedValue, v)
		}
		return nil
	}
}

func formatTime(t time.Time, format string) string {
	switch format {
	case "date":
		return t.Format("2006-01-02")
	case "time":
		return t.Format("15:04:05Z07:00")
	default:
		return t.Format(time.RFC3339Nano)
	}
}

func encodeNumber(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte('0')
		return nil
	case *big.Int:
		buf.WriteString(x.String())
		return nil
	case big.Int:
		buf.WriteString(x.String())
		return nil
	case json.Number:
		if _, err := x.Float64(); err != nil {
			return fmt.Errorf("%w: %q as number", ErrUnsupportedValue, x)
		}
		buf.WriteString(x.String())
		return nil
	}

	if literal, ok := intLiteral(v); ok {
		buf.WriteString(literal)
		return nil
	}

	f, err := toFloat(v)
	if err != nil {
		return err
	}
	writeFloat(buf, f)
	return nil
}

// encodeInteger truncates fractional values toward zero
func encodeInteger(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteByte('0')
		return nil
	case *big.Int:
		buf.WriteString(x.String())
		return nil
	case big.Int:
		buf.WriteString(x.String())
		return nil
	case json.Number:
		if _, err := x.Int64(); err == nil {
			buf.WriteString(x.String())
			return nil
		}
	}

	if literal, ok := intLiteral(v); ok {
		buf.WriteString(literal)
		return nil
	}

	f, err := toFloat(v)
	if err != nil {
		return err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return nil
	}
	f = math.Trunc(f)
	if f >= math.MinInt64 && f < math.MaxInt64 {
		buf.WriteString(strconv.FormatInt(int64(f), 10))
	} else {
		buf.WriteString(strconv.FormatFloat(f, 'f', 0, 64))
	}
	return nil
}

// encodeBigInt writes arbitrary-precision integers as JSON number literals
func encodeBigInt(buf *bytes.Buffer, v interface{}) error {
	switch x := v.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case *big.Int:
		buf.WriteString(x.String())
		return nil
	case big.Int:
		buf.WriteString(x.String())
		return nil
	case string:
		n, ok := new(big.Int).SetString(x, 10)
		if !ok {
			return fmt.Errorf("%w: %q as bigint", ErrUnsupportedValue, x)
		}
		buf.WriteString(n.String())
		return nil
	case json.Number:
		n, ok := new(big.Int).SetString(x.String(), 10)
		if !ok {
			return fmt.Errorf("%w: %q as bigint", ErrUnsupportedValue, x)
		}
		buf.WriteString(n.String())
		return nil
	}
	return encodeInteger(buf, v)
}

// encodeBoolean applies truthiness: zero values and empty strings are false
func encodeBoolean(buf *bytes.Buffer, v interface{}) error {
	if truthy(v) {
		buf.WriteString("true")
	} else {
		buf.WriteString("false")
	}
	return nil
}

func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case *big.Int:
		return x.Sign() != 0
	}
	if literal, ok := intLiteral(v); ok {
		return literal != "0"
	}
	if f, err := toFloat(v); err == nil {
		return f != 0 && !math.IsNaN(f)
	}
	return !isNil(v)
}

// intLiteral formats Go integer kinds exactly
func intLiteral(v interface{}) (string, bool) {
	switch x := v.(type) {
	case int:
		return strconv.FormatInt(int64(x), 10), true
	case int8:
		return strconv.FormatInt(int64(x), 10), true
	case int16:
		return strconv.FormatInt(int64(x), 10), true
	case int32:
		return strconv.FormatInt(int64(x), 10), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case uint:
		return strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return strconv.FormatUint(x, 10), true
	default:
		return "", false
	}
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q as number", ErrUnsupportedValue, x)
		}
		return f, nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case time.Time:
		return float64(x.UnixMilli()), nil
	}
	if literal, ok := intLiteral(v); ok {
		return strconv.ParseFloat(literal, 64)
	}
	return 0, fmt.Errorf("%w: %T as number", ErrUnsupportedValue, v)
}

func writeFloat(buf *bytes.Buffer, f float64) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		buf.WriteString("null")
		return
	}
	data, _ := json.Marshal(f)
	buf.Write(data)
}

// matchesType reports whether v natively has the JSON type t
func matchesType(t string, v interface{}) bool {
	switch t {
	case "string":
		switch v.(type) {
		case string, time.Time, *time.Time, []byte:
			return true
		}
	case "integer":
		if _, ok := intLiteral(v); ok {
			return true
		}
		switch x := v.(type) {
		case *big.Int, big.Int:
			return true
		case float64:
			return x == math.Trunc(x)
		case json.Number:
			_, err := x.Int64()
			return err == nil
		}
	case "number":
		if _, ok := intLiteral(v); ok {
			return true
		}
		switch v.(type) {
		case float32, float64, json.Number, *big.Int, big.Int:
			return true
		}
	case "bigint":
		switch v.(type) {
		case *big.Int, big.Int:
			return true
		}
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := toObject(v)
		return ok
	case "array":
		_, ok := toArray(v)
		return ok
	}
	return false
}

func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// toObject views v as a JSON object. Structs go through their JSON form so
// field tags apply.
func toObject(v interface{}) (map[string]interface{}, bool) {
	switch x := v.(type) {
	case map[string]interface{}:
		return x, true
	case nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, false
		}
		rv = rv.Elem()
	}

	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		obj := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			obj[iter.Key().String()] = iter.Value().Interface()
		}
		return obj, true
	case reflect.Struct:
		if _, isTime := rv.Interface().(time.Time); isTime {
			return nil, false
		}
		if _, isBig := rv.Interface().(big.Int); isBig {
			return nil, false
		}
		generic, err := roundTrip(rv.Interface())
		if err != nil {
			return nil, false
		}
		obj, ok := generic.(map[string]interface{})
		return obj, ok
	default:
		return nil, false
	}
}

// toArray views v as a JSON array. Byte slices are not arrays.
func toArray(v interface{}) ([]interface{}, bool) {
	switch x := v.(type) {
	case []interface{}:
		return x, true
	case []byte, nil:
		return nil, false
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	arr := make([]interface{}, rv.Len())
	for i := range arr {
		arr[i] = rv.Index(i).Interface()
	}
	return arr, true
}

// roundTrip converts a value to its generic JSON form, keeping numbers
// exact
func roundTrip(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	var out interface{}
	if err := decoder.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
