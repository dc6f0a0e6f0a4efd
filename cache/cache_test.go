package cache

import "testing"

func TestKeyBuilders(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{AgentKey("agt_1"), "agent:agt_1"},
		{OrderKey("ord_2"), "order:ord_2"},
		{TxKey("tx_3"), "tx:tx_3"},
		{BookKey("SOL/USDC", "bids"), "book:SOL/USDC:bids"},
		{BookKey("SOL/USDC", "asks"), "book:SOL/USDC:asks"},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Fatalf("key mismatch: got %q want %q", c.got, c.want)
		}
	}
	if ChainConfigsKey != "chain:configs" {
		t.Fatalf("unexpected chain configs key: %s", ChainConfigsKey)
	}
}
