// dbn-tail connects a single session to a dataset's live gateway,
// subscribes to a schema/symbology/symbol list, and logs each
// dispatched record's type and instrument id. Flag parsing here is a
// thin external collaborator, not part of the client library.
package main

import (
	"flag"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/databento/dbn-go"
	"github.com/databento/dbn-go/internal/wire"
)

func main() {
	apiKey := flag.String("key", os.Getenv("DATABENTO_API_KEY"), "Databento API key")
	dataset := flag.String("dataset", "GLBX.MDP3", "dataset id")
	schema := flag.String("schema", "cmbp-1", "subscription schema")
	stype := flag.String("stype", "raw_symbol", "subscription symbology")
	symbolsFlag := flag.String("symbols", "", "comma-separated symbol list (empty = ALL_SYMBOLS)")
	suffix := flag.String("suffix", "", "suffix appended to each symbol")
	replay := flag.Bool("replay", false, "request replay from session start")
	tsOut := flag.Bool("ts-out", false, "request gateway send timestamps")
	flag.Parse()

	if *apiKey == "" {
		logrus.Fatal("no API key; set -key or DATABENTO_API_KEY")
	}

	var symbols []string
	if *symbolsFlag != "" {
		symbols = strings.Split(*symbolsFlag, ",")
	}

	var recordCount int

	errorSink := func(s *dbn.Session, fatal bool, message string) {
		logrus.WithFields(logrus.Fields{"session": s.ID.String(), "fatal": fatal}).Warn(message)
	}
	recordSink := func(s *dbn.Session, rec dbn.Record) {
		recordCount++
		logrus.WithFields(logrus.Fields{
			"rtype":         rec.Header().RType,
			"instrument_id": rec.Header().InstrumentID,
			"count":         recordCount,
		}).Debug("record dispatched")
	}

	s := dbn.Init(errorSink, recordSink, nil)
	if err := s.Connect(*apiKey, wire.Dataset(*dataset), *tsOut); err != nil {
		logrus.WithError(err).Fatal("connect failed")
	}
	defer s.Close()

	if err := s.Start(wire.Schema(*schema), wire.Stype(*stype), symbols, *suffix, *replay); err != nil {
		logrus.WithError(err).Fatal("start failed")
	}

	logrus.Info("subscribed, streaming records (ctrl-c to stop)")
	for {
		if _, err := s.Get(); err != nil {
			logrus.WithError(err).Fatal("get failed")
		}
	}
}
