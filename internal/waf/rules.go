package waf

import (
	"github.com/nanjiek/pixiu-gate/internal/config"
	"github.com/nanjiek/pixiu-gate/internal/pattern"
	"github.com/nanjiek/pixiu-gate/internal/types"
	"github.com/nanjiek/pixiu-gate/internal/util"
)

// Rule is a custom check run after the built-in ones on requests whose path
// matches Match (exact, "/prefix/*", or "" / "*" for all) and whose method is
// in Methods (empty for all).
type Rule struct {
	Name    string
	Match   string
	Methods []string
	// Check receives the request and its extracted values and returns the
	// internal block reason.
	Check func(req *types.Request, values []string) (reason string, blocked bool)
}

// PatternRule builds a rule blocking any extracted value matching one of exprs.
func PatternRule(cfg config.PatternRule) (Rule, error) {
	fam, err := pattern.CompileFamily(types.CategoryCustom, cfg.Name, cfg.Patterns)
	if err != nil {
		return Rule{}, err
	}
	return Rule{
		Name:    cfg.Name,
		Match:   cfg.Match,
		Methods: cfg.Methods,
		Check: func(_ *types.Request, values []string) (string, bool) {
			for _, v := range values {
				for _, re := range fam.Patterns {
					if re.MatchString(v) {
						return fam.Label + " matched: " + util.Truncate(v, pattern.SnippetLen), true
					}
				}
			}
			return "", false
		},
	}, nil
}

// PatternRules compiles every configured rule.
func PatternRules(cfgs []config.PatternRule) ([]Rule, error) {
	out := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		r, err := PatternRule(c)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}
