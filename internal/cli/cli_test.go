package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchd/internal/campaign"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := Build()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCampaignCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "dispatchd.yaml")
	body := "storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "data.db") + "\nqueue:\n  timezone: UTC\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o644))
	base := []string{"--config", cfgPath, "--env-file", filepath.Join(dir, "missing.env")}

	out, err := run(t, append(base, "campaign", "create", "--name", "Promo", "--message", "hi",
		"--target", "42", "--target", "aud-7=99")...)
	require.NoError(t, err, out)
	var c campaign.Campaign
	require.NoError(t, json.Unmarshal([]byte(out), &c))
	assert.Equal(t, campaign.StatusDraft, c.Status)
	assert.Equal(t, 2, c.TotalTargets)

	out, err = run(t, append(base, "campaign", "queue", c.ID)...)
	require.NoError(t, err, out)
	var q campaign.QueueResult
	require.NoError(t, json.Unmarshal([]byte(out), &q))
	assert.Equal(t, campaign.StatusQueued, q.Status)
	assert.NotEmpty(t, q.JobID)

	out, err = run(t, append(base, "campaign", "status", c.ID)...)
	require.NoError(t, err, out)
	var s campaign.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, campaign.StatusQueued, s.Status)

	out, err = run(t, append(base, "queue", "stats")...)
	require.NoError(t, err, out)
	var stats struct {
		Jobs map[string]int `json:"jobs"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, 1, stats.Jobs["waiting"])

	_, err = run(t, append(base, "campaign", "status", "nope")...)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
}

func TestParseTargets(t *testing.T) {
	t.Parallel()

	got, err := parseTargets([]string{"42", "aud=99"})
	require.NoError(t, err)
	assert.Equal(t, []campaign.Target{{AudienceID: "42", To: "42"}, {AudienceID: "aud", To: "99"}}, got)

	_, err = parseTargets([]string{"=99"})
	assert.Error(t, err)
	_, err = parseTargets([]string{" "})
	assert.Error(t, err)
}
