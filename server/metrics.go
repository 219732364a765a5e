package server

import (
	"github.com/ethereum/go-ethereum/metrics"
)

// metrics
var (
	// Datagram traffic
	ingressTrafficMeter = metrics.NewRegisteredMeter("bankd/ingress", nil)
	egressTrafficMeter  = metrics.NewRegisteredMeter("bankd/egress", nil)

	// Simulated packet loss
	requestDropMeter = metrics.NewRegisteredMeter("bankd/loss/request", nil)
	replyDropMeter   = metrics.NewRegisteredMeter("bankd/loss/reply", nil)

	// AMO reply cache
	amoHitMeter   = metrics.NewRegisteredMeter("bankd/amo/hit", nil)
	amoMissMeter  = metrics.NewRegisteredMeter("bankd/amo/miss", nil)
	amoSizeGauge  = metrics.NewRegisteredGauge("bankd/amo/size", nil)
	amoEvictMeter = metrics.NewRegisteredMeter("bankd/amo/evict", nil)

	// Callback registry
	registrySizeGauge = metrics.NewRegisteredGauge("bankd/registry/size", nil)
	callbackSentMeter = metrics.NewRegisteredMeter("bankd/callback/sent", nil)

	// Request handling
	dispatchTimer    = metrics.NewRegisteredTimer("bankd/dispatch", nil)
	badDatagramMeter = metrics.NewRegisteredMeter("bankd/baddatagram", nil)
)
