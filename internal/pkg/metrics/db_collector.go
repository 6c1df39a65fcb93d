package metrics

import (
	"math/big"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/groeimetai/certminter/internal/domain"
)

// RecordDBPoolMetrics updates database pool metrics.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}

var weiPerGwei = big.NewFloat(1e9)

// RecordWalletState updates wallet metrics.
func RecordWalletState(wallet *domain.WalletState) {
	if wallet == nil || !wallet.Connected {
		WalletConnected.Set(0)
		return
	}
	WalletConnected.Set(1)

	wei, ok := new(big.Float).SetString(wallet.BalanceWei)
	if !ok {
		return
	}
	gwei, _ := new(big.Float).Quo(wei, weiPerGwei).Float64()
	WalletBalanceGwei.Set(gwei)
}
