package main

import (
	"flag"
	"os"

	"github.com/ngaut/log"

	"github.com/larchdb/larch/config"
	"github.com/larchdb/larch/kv/engine"
	"github.com/larchdb/larch/kv/mvcc"
	"github.com/larchdb/larch/kv/rts"
)

var (
	configPath   = flag.String("config", "", "config file path")
	dataPath     = flag.String("data", "", "data directory, overrides the config file")
	stableTs     = flag.Uint64("stable-ts", 0, "stable timestamp to roll back to, 0 keeps the stored one")
	tableURI     = flag.String("table", "", "roll back a single table instead of the whole catalog")
	noCheckpoint = flag.Bool("no-checkpoint", false, "skip the checkpoint after rollback")
	diagnostic   = flag.Bool("diagnostic", false, "panic on consistency violations instead of logging them")
)

func main() {
	flag.Parse()

	conf := config.NewDefaultConfig()
	if *configPath != "" {
		var err error
		if conf, err = config.LoadFromFile(*configPath); err != nil {
			log.Fatalf("load config %s: %v", *configPath, err)
		}
	}
	if *dataPath != "" {
		conf.Engine.DBPath = *dataPath
	}
	if *noCheckpoint {
		conf.Rollback.NoCheckpoint = true
	}
	if *diagnostic {
		conf.Diagnostic = true
	}
	log.SetLevelByString(conf.LogLevel)
	os.MkdirAll(conf.Engine.DBPath, os.ModePerm)

	eng, err := engine.Open(conf)
	if err != nil {
		log.Fatalf("open engine at %s: %v", conf.Engine.DBPath, err)
	}
	defer eng.Close()

	if *stableTs != 0 {
		if err := eng.Oracle().SetStable(mvcc.Timestamp(*stableTs)); err != nil {
			log.Fatalf("set stable timestamp: %v", err)
		}
	}

	if *tableURI != "" {
		err = rts.RollbackToStableOne(eng, *tableURI)
	} else {
		err = rts.RollbackToStable(eng)
	}
	if err != nil {
		log.Fatalf("rollback to stable: %v", err)
	}
}
