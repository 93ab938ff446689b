package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Shadowskybtw/loyalty-backend/internal/ledger"
	"github.com/Shadowskybtw/loyalty-backend/internal/models"
	"github.com/Shadowskybtw/loyalty-backend/internal/progress"
	"github.com/Shadowskybtw/loyalty-backend/internal/reconcile"
	"github.com/Shadowskybtw/loyalty-backend/internal/store"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func sampleReport() *reconcile.Report {
	return &reconcile.Report{
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Results: []reconcile.AccountResult{
			{
				AccountID: 1,
				Outcome:   reconcile.OutcomeFixed,
				After:     progress.Progress{Slots: 2, Percent: 40, Purchases: 2},
			},
			{
				AccountID: 2,
				Outcome:   reconcile.OutcomeAlreadyCorrect,
				Before:    progress.Progress{Slots: 5, Percent: 100, Completed: true},
				After:     progress.Progress{Slots: 5, Percent: 100, Completed: true, RewardIssued: true, Purchases: 7},
			},
			{
				AccountID: 404,
				Outcome:   reconcile.OutcomeError,
				Error:     "reconcile: account 404",
			},
		},
		Fixed:   1,
		Correct: 1,
		Errors:  1,
	}
}

func golden(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRenderReportGolden(t *testing.T) {
	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RenderReport(&buf, "text", sampleReport()))
		golden(t).Assert(t, "report_text", buf.Bytes())
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, RenderReport(&buf, "json", sampleReport()))
		golden(t).Assert(t, "report_json", buf.Bytes())
	})

	t.Run("dry run text", func(t *testing.T) {
		rep := &reconcile.Report{
			StartedAt:  start,
			FinishedAt: start.Add(1500 * time.Millisecond),
			DryRun:     true,
			Incomplete: true,
			Results: []reconcile.AccountResult{{
				AccountID: 3,
				Outcome:   reconcile.OutcomeDrift,
				Before:    progress.Progress{Slots: 1, Percent: 20},
				After:     progress.Progress{Slots: 3, Percent: 60, Purchases: 3},
			}},
			Drifted: 1,
		}
		var buf bytes.Buffer
		require.NoError(t, RenderReport(&buf, "text", rep))
		golden(t).Assert(t, "report_dry_run_text", buf.Bytes())
	})
}

func TestRenderReportYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderReport(&buf, "yaml", sampleReport()))

	var got reconcile.Report
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	assert.Len(t, got.Results, 3)
	assert.Equal(t, reconcile.OutcomeAlreadyCorrect, got.Results[1].Outcome)
	assert.True(t, got.Results[1].After.RewardIssued)
	assert.Equal(t, "reconcile: account 404", got.Results[2].Error)
	assert.Equal(t, 1, got.Fixed)
	assert.True(t, got.StartedAt.Equal(start))
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	for _, name := range []string{"reconcile", "grant-admin"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)
}

// setupConfig writes a config pointing at a fresh sqlite file and returns the
// config path and the database file.
func setupConfig(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dsn := filepath.Join(dir, "loyalty.db")
	path := filepath.Join(dir, "config.yaml")
	body := fmt.Sprintf("database:\n  driver: sqlite\n  dsn: %s\nlog:\n  level: error\n", dsn)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, dsn
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReconcileCommand(t *testing.T) {
	path, dsn := setupConfig(t)

	db, err := store.Open(store.DriverSQLite, dsn)
	require.NoError(t, err)
	acct := models.Account{ExternalID: "tg-1"}
	require.NoError(t, db.Create(&acct).Error)
	log := ledger.New()
	for i := 0; i < 3; i++ {
		_, err := log.Append(db, acct.ID, models.KindRegularPurchase, models.OriginUserScan, nil, nil)
		require.NoError(t, err)
	}
	require.NoError(t, store.Close(db))

	out, err := run(t, "--config", path, "--format", "json", "reconcile", "--dry-run")
	require.NoError(t, err)
	var rep reconcile.Report
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.True(t, rep.DryRun)
	assert.Equal(t, 1, rep.Drifted)

	out, err = run(t, "--config", path, "reconcile")
	require.NoError(t, err)
	assert.Contains(t, out, fmt.Sprintf("account %d: fixed (0%% -> 60%%", acct.ID))

	out, err = run(t, "--config", path, "reconcile", "--account", fmt.Sprint(acct.ID), "--account", "404")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, fmt.Sprintf("account %d: already_correct", acct.ID))
	assert.Contains(t, out, "account 404: error")
}

func TestGrantAdminCommand(t *testing.T) {
	path, dsn := setupConfig(t)

	out, err := run(t, "--config", path, "grant-admin", "cashier")
	require.NoError(t, err)
	assert.Equal(t, "granted admin cashier (by loyaltyctl)\n", out)

	db, err := store.Open(store.DriverSQLite, dsn)
	require.NoError(t, err)
	var admin models.Admin
	require.NoError(t, db.Where("actor_id = ?", "cashier").First(&admin).Error)
	assert.Equal(t, Operator, admin.GrantedBy)
	require.NoError(t, store.Close(db))

	out, err = run(t, "--config", path, "--format", "yaml", "grant-admin", "--revoke", "cashier")
	require.NoError(t, err)
	assert.Contains(t, out, "revoked: true")

	_, err = run(t, "--config", path, "grant-admin", "--revoke", "cashier")
	require.Error(t, err)
}

func TestInvalidFormat(t *testing.T) {
	_, err := run(t, "--format", "xml", "reconcile")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
