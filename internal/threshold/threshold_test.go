package threshold

import (
	"testing"

	"github.com/devrev/pairdb/bulkloader/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlimited(t *testing.T) {
	th := Unlimited()
	assert.False(t, th.Exceeded(1_000_000, 1_000_000))
	assert.NoError(t, th.Check(5, 5))
	assert.Equal(t, "unlimited", th.String())

	var zero Threshold
	assert.False(t, zero.Exceeded(1, 1), "zero value is unlimited")
}

func TestAbsolute(t *testing.T) {
	th, err := Absolute(10)
	require.NoError(t, err)

	assert.False(t, th.Exceeded(10, 1000))
	assert.True(t, th.Exceeded(11, 500))

	zero, err := Absolute(0)
	require.NoError(t, err)
	assert.True(t, zero.Exceeded(1, 1), "zero tolerance trips on the first error")

	_, err = Absolute(-1)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.GetCode(err))
}

func TestRatio(t *testing.T) {
	// 10 errors per 1000 items
	th, err := Ratio(0.01, DefaultMinSample)
	require.NoError(t, err)

	assert.True(t, th.Exceeded(11, 500))
	assert.False(t, th.Exceeded(5, 500))
	assert.False(t, th.Exceeded(50, 99), "below the minimum sample")
	assert.Equal(t, "1%", th.String())

	for _, bad := range []float64{0, 1, -0.5, 2} {
		_, err := Ratio(bad, 100)
		assert.Error(t, err, "ratio %v", bad)
	}
}

func TestCheckReturnsAbortSignal(t *testing.T) {
	th, err := Absolute(10)
	require.NoError(t, err)

	err = th.Check(11, 500)
	require.Error(t, err)
	assert.True(t, errors.IsThresholdExceeded(err))
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		str     string
		wantErr bool
	}{
		{in: "unlimited", kind: KindUnlimited, str: "unlimited"},
		{in: "UNLIMITED", kind: KindUnlimited, str: "unlimited"},
		{in: "-1", kind: KindUnlimited, str: "unlimited"},
		{in: "100", kind: KindAbsolute, str: "100"},
		{in: " 0 ", kind: KindAbsolute, str: "0"},
		{in: "5%", kind: KindRatio, str: "5%"},
		{in: "0.5 %", kind: KindRatio, str: "0.5%"},
		{in: "100%", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "x%", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			th, err := Parse(tt.in, DefaultMinSample)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.kind, th.Kind())
			assert.Equal(t, tt.str, th.String())
		})
	}
}
