// dbn-discover runs the option-discovery wrapper against OPRA.PILLAR
// to completion and prints a summary of the sorted root catalog. It
// also exposes a Prometheus /metrics endpoint reporting discovery
// state while the replay is in flight.
package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/databento/dbn-go/pkg/discovery"
)

func main() {
	apiKey := os.Getenv("DATABENTO_API_KEY")
	if apiKey == "" {
		logrus.Fatal("DATABENTO_API_KEY not set")
	}

	d := discovery.New(apiKey)

	hostname, _ := os.Hostname()
	prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "dbn_discovery_state",
		Help:        "Numeric encoding of the discovery state machine.",
		ConstLabels: prometheus.Labels{"hostname": hostname},
	}, func() float64 { return float64(d.State()) }))

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		logrus.Fatal(http.ListenAndServe(":18080", nil))
	}()

	if err := d.Start(); err != nil {
		logrus.WithError(err).Fatal("discovery start failed")
	}
	defer d.Destroy()

	for d.State() != discovery.StateDone && d.State() != discovery.StateError {
		time.Sleep(100 * time.Millisecond)
	}

	if d.State() == discovery.StateError {
		logrus.Fatalf("discovery failed: %s", d.Err())
	}

	cat := d.Catalog()
	fmt.Printf("discovered %d roots\n", cat.Len())
	for _, root := range cat.Roots() {
		fmt.Printf("%-8s %d options\n", root.Root, len(root.Options))
	}
}
