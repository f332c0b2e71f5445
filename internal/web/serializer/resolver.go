package serializer

import (
	"fmt"
	"strconv"
	"strings"
)

// resolver finds the target of a "$ref". Local refs ("#/definitions/x",
// "#/$defs/x") resolve against the document they appear in; other refs
// name a shared schema, optionally followed by a fragment.
type resolver struct {
	shared map[string]Schema
}

// resolve returns the target schema, the document it lives in, that
// document's name and a key identifying the target
func (r resolver) resolve(ref string, root Schema, rootName string) (Schema, Schema, string, string, error) {
	name, fragment, _ := strings.Cut(ref, "#")

	doc, docName := root, rootName
	if name != "" {
		shared, ok := r.shared[name]
		if !ok {
			return nil, nil, "", "", fmt.Errorf("%w: %q", ErrUnresolvedRef, ref)
		}
		doc, docName = shared, name
	}

	target, err := pointer(doc, fragment)
	if err != nil {
		return nil, nil, "", "", fmt.Errorf("%w: %q: %v", ErrUnresolvedRef, ref, err)
	}
	return target, doc, docName, docName + "#" + fragment, nil
}

// pointer evaluates a JSON pointer fragment against doc
func pointer(doc Schema, fragment string) (Schema, error) {
	if fragment == "" || fragment == "/" {
		return doc, nil
	}
	if !strings.HasPrefix(fragment, "/") {
		return nil, fmt.Errorf("unsupported fragment %q", fragment)
	}

	var current interface{} = doc
	for _, token := range strings.Split(fragment[1:], "/") {
		token = strings.ReplaceAll(strings.ReplaceAll(token, "~1", "/"), "~0", "~")
		switch node := current.(type) {
		case map[string]interface{}:
			next, ok := node[token]
			if !ok {
				return nil, fmt.Errorf("no %q in pointer %q", token, fragment)
			}
			current = next
		case []interface{}:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(node) {
				return nil, fmt.Errorf("bad index %q in pointer %q", token, fragment)
			}
			current = node[i]
		default:
			return nil, fmt.Errorf("pointer %q walks past a leaf", fragment)
		}
	}

	schema, ok := current.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("pointer %q does not name a schema", fragment)
	}
	return schema, nil
}
