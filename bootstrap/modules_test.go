package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarney/snackbot/config"
	"github.com/jarney/snackbot/core"
)

func TestRuntimeModuleReportsLongActivationOnce(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.WarnLevel)

	cfg := config.SchedulerConfig{
		WorkerPoolSize:        1,
		BlockingPoolSize:      1,
		LongActivation:        config.Seconds(0.001),
		ActivityCheckInterval: config.Seconds(0.02),
	}
	r := NewRuntimeModule("activity", cfg, NewContainer(), log)
	require.NoError(t, r.Start(context.Background()))

	done := make(chan struct{})
	id, err := r.Manager().CreateBiote(core.BioteFuncs{Init: func(ctx *core.Context, _ core.Event) error {
		ctx.Subscribe("slow", func(*core.Context, core.Event) error {
			time.Sleep(150 * time.Millisecond)
			close(done)
			return nil
		})
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, r.Manager().SendStimulus(id, core.NewSignal("slow")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("slow handler never ran")
	}
	require.NoError(t, r.Stop(context.Background()))

	// each check yields one entry per stuck worker, so elapsed values are distinct
	var reports int
	seen := make(map[time.Duration]bool)
	for _, entry := range hook.AllEntries() {
		if entry.Message != "long running activation" {
			continue
		}
		reports++
		elapsed, ok := entry.Data["elapsed"].(time.Duration)
		require.True(t, ok)
		seen[elapsed.Truncate(time.Millisecond)] = true
	}
	assert.Positive(t, reports)
	assert.Equal(t, reports, len(seen))
}
