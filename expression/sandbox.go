package expression

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/interpreter"
)

// deniedFragments are rejected before a script is ever parsed. Matching is
// done against the lowercased script with all whitespace removed.
var deniedFragments = []struct {
	category string
	fragment string
}{
	{"filesystem", "java.io"},
	{"filesystem", "java.nio"},
	{"filesystem", "ioutil"},
	{"filesystem", "os.open"},
	{"filesystem", "os.create"},
	{"filesystem", "os.remove"},
	{"filesystem", "os.readfile"},
	{"filesystem", "os.writefile"},
	{"filesystem", "files."},
	{"filesystem", "fileinputstream"},
	{"filesystem", "fileoutputstream"},
	{"filesystem", "newfile("},
	{"process", "runtime.getruntime"},
	{"process", "getruntime("},
	{"process", "processbuilder"},
	{"process", "exec("},
	{"process", "os/exec"},
	{"process", "os.exit"},
	{"process", "system.exit"},
	{"process", "syscall"},
	{"network", "java.net"},
	{"network", "net.dial"},
	{"network", "net/http"},
	{"network", "http.get"},
	{"network", "http.post"},
	{"network", "socket"},
	{"network", "urlconnection"},
	{"reflection", "class.forname"},
	{"reflection", "classloader"},
	{"reflection", "getclass("},
	{"reflection", "reflect"},
	{"reflection", "unsafe"},
	{"reflection", "getdeclared"},
	{"reflection", "setaccessible"},
	{"environment", "getenv"},
	{"environment", "getproperty"},
	{"environment", "setproperty"},
	{"environment", "os.environ"},
	{"loading", "import("},
	{"loading", "require("},
	{"loading", "eval("},
}

// blockedNamespaces are identifier roots that denote the host runtime.
var blockedNamespaces = map[string]struct{}{
	"system":   {},
	"platform": {},
	"java":     {},
	"javax":    {},
	"jdk":      {},
	"sun":      {},
	"runtime":  {},
	"os":       {},
	"syscall":  {},
	"reflect":  {},
	"process":  {},
	"unsafe":   {},
	"exec":     {},
	"env":      {},
}

// CheckScript applies the textual denylist. It never parses the script.
func CheckScript(script string) error {
	compact := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, script)

	for _, d := range deniedFragments {
		if strings.Contains(compact, d.fragment) {
			return &Error{
				Kind:    KindSecurityViolation,
				Op:      "check",
				Message: fmt.Sprintf("script references forbidden %s capability %q", d.category, d.fragment),
			}
		}
	}
	return nil
}

// IsBlockedName reports whether an identifier, possibly qualified, resolves
// into a reserved host namespace.
func IsBlockedName(name string) bool {
	root := name
	if i := strings.IndexByte(name, '.'); i >= 0 {
		root = name[:i]
	}
	if strings.HasPrefix(root, "__") {
		return true
	}
	_, blocked := blockedNamespaces[strings.ToLower(root)]
	return blocked
}

// sandboxActivation is the only source of names visible to a script. It is
// created per evaluation and never shared.
type sandboxActivation struct {
	vars         map[string]any
	nullResolved bool
	violation    string
}

var _ interpreter.Activation = (*sandboxActivation)(nil)

func newSandboxActivation(record map[string]any) *sandboxActivation {
	return &sandboxActivation{vars: normalizeRecord(record)}
}

// ResolveName resolves record fields. Unknown simple names resolve to null so
// that arithmetic on absent operands degrades to a null result.
func (a *sandboxActivation) ResolveName(name string) (any, bool) {
	if IsBlockedName(name) {
		if a.violation == "" {
			a.violation = name
		}
		return types.NewErr("security violation: %q is not resolvable", name), true
	}

	if v, ok := a.vars[name]; ok {
		if v == nil {
			a.nullResolved = true
			return types.NullValue, true
		}
		return v, true
	}

	// Qualified candidates fall back to their shorter forms.
	if strings.Contains(name, ".") {
		return nil, false
	}

	a.nullResolved = true
	return types.NullValue, true
}

func (a *sandboxActivation) Parent() interpreter.Activation {
	return nil
}
