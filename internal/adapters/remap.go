package adapters

import "strings"

// remapFunctionCallArgs renames backend-style tool arguments to the names
// client tools expect. The input map is not modified.
func remapFunctionCallArgs(toolName string, args map[string]any) map[string]any {
	out := make(map[string]any, len(args)+1)
	for k, v := range args {
		out[k] = v
	}

	switch strings.ToLower(toolName) {
	case "grep", "glob":
		if q, ok := out["query"]; ok && isTruthy(q) && !isTruthy(out["pattern"]) {
			out["pattern"] = q
			delete(out, "query")
		}
		if paths, ok := out["paths"]; ok && isTruthy(paths) && !isTruthy(out["path"]) {
			if list, ok := paths.([]any); ok {
				out["path"] = "."
				if len(list) > 0 && isTruthy(list[0]) {
					out["path"] = list[0]
				}
			} else {
				out["path"] = paths
			}
			delete(out, "paths")
		}
		if !isTruthy(out["path"]) {
			out["path"] = "."
		}
	case "read":
		if p, ok := out["path"]; ok && isTruthy(p) && !isTruthy(out["file_path"]) {
			out["file_path"] = p
			delete(out, "path")
		}
	case "ls":
		if !isTruthy(out["path"]) {
			out["path"] = "."
		}
	}
	return out
}

// isTruthy treats nil, empty strings and false as absent.
func isTruthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case string:
		return t != ""
	case bool:
		return t
	default:
		return true
	}
}
