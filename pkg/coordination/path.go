package coordination

import (
	"fmt"
	"path"
	"strings"
)

// SequenceWidth is the number of digits in a sequential node suffix.
const SequenceWidth = 10

// CleanNamespace normalizes a namespace to an absolute path without a trailing slash.
func CleanNamespace(namespace string) string {
	return path.Clean("/" + namespace)
}

// ChildPath joins a namespace and a child name.
func ChildPath(namespace, name string) string {
	ns := CleanNamespace(namespace)
	if ns == "/" {
		return "/" + name
	}
	return ns + "/" + name
}

// SequentialName formats a child name with a zero-padded sequence suffix.
func SequentialName(prefix string, seq int64) string {
	return fmt.Sprintf("%s%0*d", prefix, SequenceWidth, seq)
}

// ChildName strips the namespace from a full child path. ok is false when
// fullPath is not a direct child of namespace.
func ChildName(namespace, fullPath string) (name string, ok bool) {
	ns := CleanNamespace(namespace)
	if ns != "/" {
		ns += "/"
	}
	name = strings.TrimPrefix(fullPath, ns)
	if name == fullPath || name == "" || strings.Contains(name, "/") {
		return "", false
	}
	return name, true
}
