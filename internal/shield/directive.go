package shield

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Directive is one compiled rule from a threat's recommendation block.
type Directive struct {
	Action Action
	Text   string // the raw condition text, kept for audit output

	match func(*Event) bool
}

// Matches reports whether the directive's condition holds for the event.
func (d *Directive) Matches(ev *Event) bool {
	return d.match(ev)
}

// directive line prefixes. APPROVE maps to require_approval.
var directivePrefixes = map[string]Action{
	"BLOCK:":   ActionBlock,
	"APPROVE:": ActionRequireApproval,
	"LOG:":     ActionLog,
}

// ParseDirectives extracts directives from a recommendation_agent block.
// Lines without a directive prefix are prose for the operator and skipped.
// Malformed directives are returned as errors so the loader can log them
// without dropping the whole threat entry.
func ParseDirectives(text string) ([]*Directive, []error) {
	var (
		directives []*Directive
		errs       []error
	)

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var action Action
		var cond string
		for prefix, a := range directivePrefixes {
			if strings.HasPrefix(line, prefix) {
				action = a
				cond = strings.TrimSpace(line[len(prefix):])
				break
			}
		}
		if action == "" {
			continue
		}

		match, err := compileCondition(cond)
		if err != nil {
			errs = append(errs, fmt.Errorf("%q: %w", line, err))
			continue
		}
		directives = append(directives, &Directive{Action: action, Text: cond, match: match})
	}

	return directives, errs
}

// compileCondition turns a condition into a matcher closure.
func compileCondition(cond string) (func(*Event) bool, error) {
	lower := strings.ToLower(cond)

	switch {
	case strings.HasPrefix(lower, "tool.call"):
		return compileToolCall(cond)

	case strings.HasPrefix(lower, "skill name equals "):
		value := strings.TrimSpace(cond[len("skill name equals "):])
		return func(ev *Event) bool {
			return ev.SkillName != "" && strings.EqualFold(ev.SkillName, value)
		}, nil

	case strings.HasPrefix(lower, "skill name contains "):
		value := strings.TrimSpace(cond[len("skill name contains "):])
		return func(ev *Event) bool {
			return ev.SkillName != "" && containsFold(ev.SkillName, value)
		}, nil

	case strings.HasPrefix(lower, "plugin package name does not match "):
		pattern := strings.TrimSpace(cond[len("plugin package name does not match "):])
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern: %v", ErrBadDirective, err)
		}
		return func(ev *Event) bool {
			return ev.PackageName != "" && !re.MatchString(ev.PackageName)
		}, nil

	case strings.HasPrefix(lower, "outbound request to "):
		list := strings.TrimSpace(cond[len("outbound request to "):])
		var domains []string
		for _, d := range strings.Split(strings.ToLower(list), " or ") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		if len(domains) == 0 {
			return nil, fmt.Errorf("%w: no domains", ErrBadDirective)
		}
		return func(ev *Event) bool {
			host := strings.ToLower(ev.Domain)
			if host == "" {
				return false
			}
			for _, d := range domains {
				if host == d || strings.HasSuffix(host, "."+d) {
					return true
				}
			}
			return false
		}, nil

	case strings.HasPrefix(lower, "secrets read path equals "):
		path := strings.TrimSpace(cond[len("secrets read path equals "):])
		re, err := compileSecretPath(path)
		if err != nil {
			return nil, err
		}
		return func(ev *Event) bool {
			return ev.SecretPath != "" && re.MatchString(ev.SecretPath)
		}, nil

	case strings.HasPrefix(lower, "file path equals "):
		value := strings.TrimSpace(cond[len("file path equals "):])
		return func(ev *Event) bool {
			return ev.FilePath != "" && strings.EqualFold(ev.FilePath, value)
		}, nil

	case strings.HasPrefix(lower, "file path contains "):
		value := strings.TrimSpace(cond[len("file path contains "):])
		return func(ev *Event) bool {
			return ev.FilePath != "" && containsFold(ev.FilePath, value)
		}, nil

	case strings.HasPrefix(lower, "incoming message contains "):
		value := strings.TrimSpace(cond[len("incoming message contains "):])
		return func(ev *Event) bool {
			return containsFold(ev.Message, value)
		}, nil

	case strings.HasPrefix(lower, "memory_add importance >= "):
		threshold, err := strconv.ParseFloat(strings.TrimSpace(cond[len("memory_add importance >= "):]), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: bad threshold: %v", ErrBadDirective, err)
		}
		return func(ev *Event) bool {
			return ev.ToolName == "memory_add" && ev.Importance >= threshold
		}, nil

	case strings.HasPrefix(lower, "delegation chain depth exceeds "):
		depth, err := strconv.Atoi(strings.TrimSpace(cond[len("delegation chain depth exceeds "):]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad depth: %v", ErrBadDirective, err)
		}
		return func(ev *Event) bool {
			return ev.ChainDepth > depth
		}, nil

	case strings.HasPrefix(lower, "tool iterations >= "):
		n, err := strconv.Atoi(strings.TrimSpace(cond[len("tool iterations >= "):]))
		if err != nil {
			return nil, fmt.Errorf("%w: bad count: %v", ErrBadDirective, err)
		}
		return func(ev *Event) bool {
			return ev.ToolIterations >= n
		}, nil
	}

	return nil, ErrBadDirective
}

// compileToolCall handles the three tool.call forms:
//
//	tool.call <name>
//	tool.call <name> with arguments containing (<kw, ...>)
//	tool.call with arguments containing (<kw, ...>)
func compileToolCall(cond string) (func(*Event) bool, error) {
	rest := strings.TrimSpace(cond[len("tool.call"):])
	restLower := strings.ToLower(rest)

	const withArgs = "with arguments containing"

	if strings.HasPrefix(restLower, withArgs) {
		keywords, err := parseKeywordList(rest[len(withArgs):])
		if err != nil {
			return nil, err
		}
		return func(ev *Event) bool {
			return ev.ToolName != "" && containsAnyFold(ev.Arguments, keywords)
		}, nil
	}

	if idx := strings.Index(restLower, " "+withArgs); idx >= 0 {
		name := strings.TrimSpace(rest[:idx])
		keywords, err := parseKeywordList(rest[idx+1+len(withArgs):])
		if err != nil {
			return nil, err
		}
		return func(ev *Event) bool {
			return strings.EqualFold(ev.ToolName, name) && containsAnyFold(ev.Arguments, keywords)
		}, nil
	}

	name := rest
	if name == "" || strings.ContainsAny(name, " \t") {
		return nil, fmt.Errorf("%w: bad tool.call form", ErrBadDirective)
	}
	return func(ev *Event) bool {
		return strings.EqualFold(ev.ToolName, name)
	}, nil
}

// parseKeywordList parses "(a, b, c)" into its entries.
func parseKeywordList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return nil, fmt.Errorf("%w: keyword list must be parenthesized", ErrBadDirective)
	}
	var keywords []string
	for _, kw := range strings.Split(s[1:len(s)-1], ",") {
		if kw = strings.TrimSpace(kw); kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: empty keyword list", ErrBadDirective)
	}
	return keywords, nil
}

// compileSecretPath expands wildcard segments into a regexp.
// "providers.*.api_key" matches any single segment in the starred position.
func compileSecretPath(path string) (*regexp.Regexp, error) {
	segments := strings.Split(path, ".")
	parts := make([]string, len(segments))
	for i, seg := range segments {
		if seg == "*" {
			parts[i] = `[^.]+`
		} else {
			parts[i] = regexp.QuoteMeta(seg)
		}
	}
	re, err := regexp.Compile("^" + strings.Join(parts, `\.`) + "$")
	if err != nil {
		return nil, fmt.Errorf("%w: bad secret path: %v", ErrBadDirective, err)
	}
	return re, nil
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

func containsAnyFold(s string, subs []string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
