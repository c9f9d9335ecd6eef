package mcp

// Method is a protocol method the server understands.
type Method int

const (
	MethodUnknown Method = iota
	MethodInitialize
	MethodInitialized
	MethodCancelled
	MethodPing
	MethodToolsList
	MethodToolsCall
)

var methodNames = map[Method]string{
	MethodInitialize:  "initialize",
	MethodInitialized: "notifications/initialized",
	MethodCancelled:   "notifications/cancelled",
	MethodPing:        "ping",
	MethodToolsList:   "tools/list",
	MethodToolsCall:   "tools/call",
}

var methodsByName = func() map[string]Method {
	m := make(map[string]Method, len(methodNames))
	for method, name := range methodNames {
		m[name] = method
	}
	return m
}()

// ParseMethod maps a wire method name to a Method. Unrecognized names map
// to MethodUnknown.
func ParseMethod(name string) Method {
	return methodsByName[name]
}

func (m Method) String() string {
	if name, ok := methodNames[m]; ok {
		return name
	}
	return "unknown"
}

// requiresSession reports whether the method may only be used inside an
// initialized session.
func (m Method) requiresSession() bool {
	switch m {
	case MethodInitialize, MethodCancelled:
		return false
	default:
		return true
	}
}
