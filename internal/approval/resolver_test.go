package approval

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newDefaultResolver(t *testing.T) *Resolver {
	t.Helper()
	r, err := NewResolver(DefaultConfig(decimal.NewFromInt(1000)))
	require.NoError(t, err)
	return r
}

func TestChainAddsDirectorAboveThreshold(t *testing.T) {
	r := newDefaultResolver(t)

	small := r.Chain(Subject{TotalValue: decimal.NewFromInt(1000)})
	require.Len(t, small, 2)
	require.Equal(t, "diocesan", small[1].Code)

	large := r.Chain(Subject{TotalValue: decimal.RequireFromString("1000.001")})
	require.Len(t, large, 3)
	require.Equal(t, "director", large[2].Code)
}

func TestResolveWalksLevelsInOrder(t *testing.T) {
	r := newDefaultResolver(t)
	subj := Subject{TotalValue: decimal.NewFromInt(50)}

	first := r.First(subj)
	require.Equal(t, OutcomePending, first.Outcome)
	require.Equal(t, 1, first.Level.Number)

	next, err := r.Resolve(1, ActionApproved, subj)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, next.Outcome)
	require.Equal(t, 2, next.Level.Number)

	done, err := r.Resolve(2, ActionApproved, subj)
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, done.Outcome)
}

func TestResolveRejectAnyLevel(t *testing.T) {
	r := newDefaultResolver(t)
	subj := Subject{TotalValue: decimal.NewFromInt(5000)}

	d, err := r.Resolve(2, ActionRejected, subj)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, d.Outcome)
	require.Equal(t, 2, d.Level.Number)

	_, err = r.Resolve(9, ActionApproved, subj)
	require.ErrorIs(t, err, ErrUnknownLevel)

	_, err = r.Resolve(1, Action("MAYBE"), subj)
	require.ErrorIs(t, err, ErrInvalidAction)
}

func TestAuthorizeFoldsRoleCase(t *testing.T) {
	r := newDefaultResolver(t)

	require.NoError(t, r.Authorize(1, []string{"storekeeper", "Site_Reviewer"}))
	require.ErrorIs(t, r.Authorize(2, []string{"site_reviewer"}), ErrUnauthorizedTransition)
	require.ErrorIs(t, r.Authorize(7, []string{"director"}), ErrUnknownLevel)
}

func TestEmptyChainCompletesImmediately(t *testing.T) {
	r, err := NewResolver(Config{})
	require.NoError(t, err)
	require.Equal(t, OutcomeComplete, r.First(Subject{}).Outcome)
}

func TestParseConfig(t *testing.T) {
	data := []byte(`
levels:
  - number: 2
    code: regional
    roles: [regional_reviewer]
  - number: 1
    code: site
    roles: [site_reviewer, site_manager]
  - number: 3
    code: director
    roles: [director]
    activation:
      kind: total_above
      limit: "250.5"
`)
	cfg, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, cfg.Levels, 3)
	require.Equal(t, "site", cfg.Levels[0].Code)
	require.True(t, cfg.Levels[2].Activation.Limit.Equal(decimal.RequireFromString("250.5")))

	r, err := NewResolver(cfg)
	require.NoError(t, err)
	require.NoError(t, r.Authorize(1, []string{"site_manager"}))
	require.Len(t, r.Chain(Subject{TotalValue: decimal.NewFromInt(251)}), 3)
}

func TestParseConfigRejectsMalformed(t *testing.T) {
	_, err := ParseConfig([]byte("levels:\n  - number: 1\n    code: site\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseConfig([]byte("levels:\n  - number: 1\n    roles: [a]\n  - number: 1\n    roles: [b]\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = ParseConfig([]byte("levels:\n  - number: 1\n    roles: [a]\n    activation:\n      kind: weekday\n"))
	require.ErrorIs(t, err, ErrInvalidConfig)
}
