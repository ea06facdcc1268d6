package prometheus

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogrusCollector_Fire(t *testing.T) {
	hook := NewLogrusCollector()

	require.NoError(t, hook.Fire(&logrus.Entry{
		Level: logrus.ErrorLevel,
		Data:  logrus.Fields{"prefix": "scheduler"},
	}))

	// Entries without a prefix land in the global bucket.
	require.NoError(t, hook.Fire(&logrus.Entry{
		Level: logrus.WarnLevel,
		Data:  logrus.Fields{},
	}))

	// A non-string prefix is a programming error.
	require.Error(t, hook.Fire(&logrus.Entry{
		Level: logrus.ErrorLevel,
		Data:  logrus.Fields{"prefix": 42},
	}))

	assert.Equal(t,
		[]logrus.Level{logrus.InfoLevel, logrus.WarnLevel, logrus.ErrorLevel},
		hook.Levels())
}
