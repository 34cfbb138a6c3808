package module

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// placeholderRe matches ${path} placeholders inside string leaves.
var placeholderRe = regexp.MustCompile(`\$\{([^}]*)\}`)

// Interpolate returns a deep copy of v with every ${path} placeholder in
// string leaves replaced by the stringified value at path, resolved
// against the context's namespaces: prev, results.<name>..., env.<key>,
// inputs.<key>, pipelineId, BUILD_ID, UNIXTIMESTAMP, WORK_DIR, DATE,
// TIME, DATETIME, YEAR, MONTH, DAY and PIPELINE_NAME.
//
// An unresolvable path expands to the empty string. The input is never
// mutated and the function has no side effects, so it is safe to call
// from concurrently executing parallel steps.
func Interpolate(v any, ec *ExecutionContext) any {
	switch val := v.(type) {
	case string:
		return interpolateString(val, ec)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = Interpolate(item, ec)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Interpolate(item, ec)
		}
		return out
	default:
		return v
	}
}

// InterpolateParams interpolates a params map, always returning a non-nil
// copy.
func InterpolateParams(params map[string]any, ec *ExecutionContext) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return Interpolate(params, ec).(map[string]any)
}

func interpolateString(s string, ec *ExecutionContext) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		path := match[2 : len(match)-1]
		v, ok := resolvePath(path, ec)
		if !ok {
			return ""
		}
		return stringify(v)
	})
}

// resolvePath resolves a dot-separated path against the context.
func resolvePath(path string, ec *ExecutionContext) (any, bool) {
	segs := strings.Split(strings.TrimSpace(path), ".")
	if len(segs) == 0 || segs[0] == "" {
		return nil, false
	}

	switch segs[0] {
	case "prev":
		return walk(ec.Prev, segs[1:])
	case "results":
		return walk(ec.Results, segs[1:])
	case "env":
		if len(segs) != 2 {
			return nil, false
		}
		v, ok := ec.Env[segs[1]]
		return v, ok
	case "inputs":
		return walk(ec.Inputs, segs[1:])
	case "pipelineId":
		return ec.PipelineID, len(segs) == 1
	case "PIPELINE_NAME":
		return ec.PipelineName, len(segs) == 1
	case "BUILD_ID":
		return ec.BuildID, len(segs) == 1
	case "WORK_DIR":
		return ec.WorkDir, len(segs) == 1
	case "UNIXTIMESTAMP":
		return strconv.FormatInt(ec.StartTime.Unix(), 10), len(segs) == 1
	case "DATE":
		return ec.StartTime.Format("2006-01-02"), len(segs) == 1
	case "TIME":
		return ec.StartTime.Format("15:04:05"), len(segs) == 1
	case "DATETIME":
		return ec.StartTime.Format("2006-01-02 15:04:05"), len(segs) == 1
	case "YEAR":
		return ec.StartTime.Format("2006"), len(segs) == 1
	case "MONTH":
		return ec.StartTime.Format("01"), len(segs) == 1
	case "DAY":
		return ec.StartTime.Format("02"), len(segs) == 1
	default:
		return nil, false
	}
}

// walk descends into a JSON-like value by field names and numeric indexes.
func walk(v any, segs []string) (any, bool) {
	for _, seg := range segs {
		switch cur := v.(type) {
		case map[string]any:
			next, ok := cur[seg]
			if !ok {
				return nil, false
			}
			v = next
		case map[string]string:
			next, ok := cur[seg]
			if !ok {
				return nil, false
			}
			v = next
		case []any:
			i, err := strconv.Atoi(seg)
			if err != nil || i < 0 || i >= len(cur) {
				return nil, false
			}
			v = cur[i]
		default:
			return nil, false
		}
	}
	return v, true
}

// stringify renders a resolved value for substitution into a string leaf.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		// JSON numbers decode as float64; render integral values
		// without a fraction.
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}
