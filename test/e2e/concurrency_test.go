package e2e

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roseybot/rosey/pkg/bus"
	"github.com/roseybot/rosey/pkg/migrate"
	"github.com/roseybot/rosey/pkg/models"
)

// tryRequest round-trips one request and folds the envelope outcome into an
// error. It never touches the test handle, so it is safe off the test
// goroutine.
func tryRequest(app *TestApp, subject string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return err
		}
	}
	reply, err := app.Bus.Request(subject, body, 10*time.Second)
	if err != nil {
		return err
	}
	env, err := models.ParseEnvelope(reply)
	if err != nil {
		return err
	}
	if !env.Success {
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	if out != nil {
		return json.Unmarshal(reply, out)
	}
	return nil
}

// One hundred concurrent $inc updates against the same row must all land:
// the patch compiles to a single UPDATE expression, so no increment can be
// lost to a read-modify-write race.
func TestConcurrentFilterIncrements(t *testing.T) {
	app := NewTestApp(t)

	app.RequestOK(bus.RowSubject("metrics", "schema.register"), models.SchemaRegisterRequest{
		Table: "counters",
		Schema: json.RawMessage(`{"fields": [
			{"name": "name", "type": "string", "required": true},
			{"name": "value", "type": "integer", "required": true}
		]}`),
	}, nil)

	var ins insertReply
	app.RequestOK(bus.RowSubject("metrics", "insert"), models.RowInsertRequest{
		Table: "counters",
		Data:  json.RawMessage(`{"name": "hits", "value": 0}`),
	}, &ins)

	const workers = 100
	update := models.RowUpdateRequest{
		Table:  "counters",
		Filter: json.RawMessage(`{"name": {"$eq": "hits"}}`),
		Patch:  json.RawMessage(`{"value": {"$inc": 1}}`),
	}

	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tryRequest(app, bus.RowSubject("metrics", "update"), update, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var got selectReply
	app.RequestOK(bus.RowSubject("metrics", "select"), models.RowSelectRequest{
		Table: "counters", ID: &ins.ID,
	}, &got)
	require.True(t, got.Exists)
	assert.EqualValues(t, workers, got.Data["value"])
}

func TestConcurrentKVWrites(t *testing.T) {
	app := NewTestApp(t)

	t.Run("same key keeps one intact value", func(t *testing.T) {
		const writers = 50
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- tryRequest(app, bus.SubjectKVSet, models.KVSetRequest{
					PluginName: "cache",
					Key:        "leader",
					Value:      json.RawMessage(fmt.Sprintf(`{"round": %d}`, i)),
				}, nil)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		var got models.KVGetResponse
		app.RequestOK(bus.SubjectKVGet, models.KVGetRequest{
			PluginName: "cache", Key: "leader",
		}, &got)
		require.True(t, got.Exists)

		// Whichever writer won, the stored value is a whole document.
		var v struct {
			Round int `json:"round"`
		}
		require.NoError(t, json.Unmarshal(got.Value, &v))
		assert.GreaterOrEqual(t, v.Round, 0)
		assert.Less(t, v.Round, writers)

		var keys models.KVListResponse
		app.RequestOK(bus.SubjectKVList, models.KVListRequest{PluginName: "cache"}, &keys)
		assert.Equal(t, 1, keys.Count)
	})

	t.Run("distinct keys all land", func(t *testing.T) {
		const writers = 50
		errs := make(chan error, writers)
		var wg sync.WaitGroup
		for i := 0; i < writers; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- tryRequest(app, bus.SubjectKVSet, models.KVSetRequest{
					PluginName: "fanout",
					Key:        fmt.Sprintf("worker:%02d", i),
					Value:      json.RawMessage(`true`),
				}, nil)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		var keys models.KVListResponse
		app.RequestOK(bus.SubjectKVList, models.KVListRequest{
			PluginName: "fanout", Limit: 100,
		}, &keys)
		assert.Equal(t, writers, keys.Count)
	})
}

// Migrations for distinct plugins take distinct locks and may run in
// parallel without interfering.
func TestParallelPluginMigrations(t *testing.T) {
	app := NewTestApp(t)

	plugins := []string{"alpha", "beta", "gamma"}
	for _, p := range plugins {
		app.WriteMigration(p, "001_init.sql", fmt.Sprintf(`-- UP
CREATE TABLE %s_data (id INTEGER PRIMARY KEY, note TEXT);
-- DOWN
DROP TABLE %s_data;
`, p, p))
	}

	errs := make(chan error, len(plugins))
	var wg sync.WaitGroup
	for _, p := range plugins {
		p := p
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tryRequest(app, bus.MigrateSubject(p, "apply"),
				models.MigrateApplyRequest{AppliedBy: "e2e"}, nil)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for _, p := range plugins {
		var status migrate.StatusResult
		app.RequestOK(bus.MigrateSubject(p, "status"), nil, &status)
		assert.Equal(t, 1, status.CurrentVersion, p)
		assert.Empty(t, status.PendingMigrations, p)
	}
}

// Concurrent applies for the same plugin serialize on the plugin lock: the
// migration runs exactly once and every caller comes back with the final
// version.
func TestConcurrentApplySamePlugin(t *testing.T) {
	app := NewTestApp(t)

	app.WriteMigration("ledger", "001_init.sql", `-- UP
CREATE TABLE ledger_entries (id INTEGER PRIMARY KEY, amount INTEGER NOT NULL);
-- DOWN
DROP TABLE ledger_entries;
`)

	const callers = 4
	results := make(chan migrate.ApplyResult, callers)
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var res migrate.ApplyResult
			if err := tryRequest(app, bus.MigrateSubject("ledger", "apply"),
				models.MigrateApplyRequest{AppliedBy: "e2e"}, &res); err != nil {
				errs <- err
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	totalApplied := 0
	for res := range results {
		totalApplied += len(res.Applied)
		assert.Equal(t, 1, res.CurrentVersion)
	}
	assert.Equal(t, 1, totalApplied)
}
