package feed

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/arbexec/types"
)

const (
	weth = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdc = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		wantErr string
	}{
		{
			name: "valid",
			line: `{"id":"opp-1","path":["` + weth + `","` + usdc + `","` + weth + `"],"dexes":["Uniswap_V2"," sushiswap "],"amount":"1.5","profit":"0.02","flash_loan":true,"liquidity":"40"}`,
		},
		{
			name: "numeric amounts",
			line: `{"path":["` + weth + `","` + usdc + `"],"dexes":["uniswap_v2"],"amount":2,"profit":0.1}`,
		},
		{
			name:    "bad address",
			line:    `{"path":["0x123","` + usdc + `"],"dexes":["uniswap_v2"],"amount":"1","profit":"0"}`,
			wantErr: "invalid token address",
		},
		{
			name:    "dex mismatch",
			line:    `{"path":["` + weth + `","` + usdc + `"],"dexes":[],"amount":"1","profit":"0"}`,
			wantErr: "expected 1 dexes",
		},
		{
			name:    "missing amount",
			line:    `{"path":["` + weth + `","` + usdc + `"],"dexes":["uniswap_v2"],"profit":"0"}`,
			wantErr: "amount must be positive",
		},
		{
			name:    "not json",
			line:    `path=weth,usdc`,
			wantErr: "failed to decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opp, err := Decode([]byte(tt.line))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, opp.ID)
			assert.Equal(t, common.HexToAddress(weth), opp.Path[0])
		})
	}
}

func TestDecodeFields(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	opp, err := Decode([]byte(`{"id":"opp-1","path":["` + weth + `","` + usdc + `","` + weth + `"],"dexes":["Uniswap_V2"," sushiswap "],"amount":"1.5","profit":"0.02","flash_loan":true,"liquidity":"40","discovered_at":"2024-03-01T12:00:00Z"}`))
	require.NoError(t, err)

	assert.Equal(t, "opp-1", opp.ID)
	assert.Equal(t, []string{"uniswap_v2", "sushiswap"}, opp.Dexes)
	assert.Equal(t, "1.5", opp.Amount.String())
	assert.Equal(t, "0.02", opp.Profit.String())
	assert.Equal(t, "40", opp.Liquidity.String())
	assert.True(t, opp.FlashLoan)
	assert.True(t, at.Equal(opp.DiscoveredAt))
}

func collect(t *testing.T, f Feed) ([]types.TradeOpportunity, []error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, errs := f.Opportunities(ctx)
	var opps []types.TradeOpportunity
	var failures []error
	for out != nil || errs != nil {
		select {
		case o, ok := <-out:
			if !ok {
				out = nil
				continue
			}
			opps = append(opps, o)
		case e, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			failures = append(failures, e)
		case <-ctx.Done():
			t.Fatal("feed did not finish")
		}
	}
	return opps, failures
}

func TestFileFeed(t *testing.T) {
	lines := []string{
		`# captured 2024-03-01`,
		`{"id":"a","path":["` + weth + `","` + usdc + `"],"dexes":["uniswap_v2"],"amount":"1","profit":"0.01"}`,
		``,
		`{"id":"b","path":["` + weth + `"],"dexes":[],"amount":"1","profit":"0.01"}`,
		`{"id":"c","path":["` + usdc + `","` + weth + `"],"dexes":["sushiswap"],"amount":"2","profit":"0.03"}`,
	}
	path := filepath.Join(t.TempDir(), "opps.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644))

	opps, errs := collect(t, NewFileFeed(path, zaptest.NewLogger(t)))

	require.Len(t, opps, 2)
	assert.Equal(t, "a", opps[0].ID)
	assert.Equal(t, "c", opps[1].ID)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "line 4")
}

func TestFileFeedMissing(t *testing.T) {
	opps, errs := collect(t, NewFileFeed(filepath.Join(t.TempDir(), "absent.jsonl"), zaptest.NewLogger(t)))
	assert.Empty(t, opps)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "failed to open feed")
}

func TestFileFeedCancel(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 100; i++ {
		b.WriteString(`{"path":["` + weth + `","` + usdc + `"],"dexes":["uniswap_v2"],"amount":"1","profit":"0.01"}` + "\n")
	}
	path := filepath.Join(t.TempDir(), "opps.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	out, _ := NewFileFeed(path, zaptest.NewLogger(t)).Opportunities(ctx)
	<-out
	cancel()

	drained := 0
	for range out {
		drained++
	}
	assert.Less(t, drained, 99)
}

func TestParseMessage(t *testing.T) {
	payload := `{"id":"x","path":["` + weth + `","` + usdc + `"],"dexes":["uniswap_v2"],"amount":"3","profit":"0.05"}`

	opp, err := ParseMessage(map[string]interface{}{"payload": payload})
	require.NoError(t, err)
	assert.Equal(t, "x", opp.ID)

	opp, err = ParseMessage(map[string]interface{}{"payload": []byte(payload)})
	require.NoError(t, err)
	assert.Equal(t, "3", opp.Amount.String())

	_, err = ParseMessage(map[string]interface{}{"body": payload})
	assert.ErrorContains(t, err, "missing")

	_, err = ParseMessage(map[string]interface{}{"payload": 42})
	assert.ErrorContains(t, err, "unexpected")
}
