package main

import (
	"log"
	"os"

	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	brokersvc "github.com/trezcool/mahudhurio/services/broker"
	emailsvc "github.com/trezcool/mahudhurio/services/email"
	logsvc "github.com/trezcool/mahudhurio/services/logger"
	"github.com/trezcool/mahudhurio/storage/database"
	sqlxrepos "github.com/trezcool/mahudhurio/storage/database/sqlx"
)

var logger *log.Logger

func main() {
	defer os.Exit(0)

	logger = log.New(os.Stdout, "ADMIN : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile)

	conf := core.NewConfig()
	svcLogger := logsvc.NewStdLogger(logger)

	// set up DB
	db, err := database.OpenX(conf)
	errAndDie(err)
	defer db.Close()
	errAndDie(db.Ping())

	// set up services; redis carries session-ended events to any running
	// API instances, the memory broker is a sink otherwise
	var broker attendance.Broker
	if conf.Redis.Enabled {
		broker = brokersvc.NewRedisBroker(conf, svcLogger)
	} else {
		broker = brokersvc.NewMemoryBroker()
	}
	defer broker.Close()

	var mailSvc core.EmailService
	if conf.Debug {
		mailSvc = emailsvc.NewConsoleService(conf)
	} else {
		mailSvc = emailsvc.NewSendgridService(conf, svcLogger)
	}
	core.ParseEmailTemplates(svcLogger)

	attSvc := attendance.NewService(attendance.ServiceDeps{
		Sessions:    sqlxrepos.NewSessionRepository(db),
		Records:     sqlxrepos.NewRecordRepository(db),
		Tokens:      sqlxrepos.NewTokenRepository(db),
		Enrollments: sqlxrepos.NewEnrollmentRepository(db),
		Broker:      broker,
		Mail:        mailSvc,
		Logger:      svcLogger,
		Conf:        conf,
	})
	defer attSvc.Close()

	// start CLI
	cli := commandLine{
		db:     db.DB,
		attSvc: attSvc,
	}
	if err := cli.run(os.Args); err != nil {
		if err != errHelp {
			logger.Printf("\nerror: %s\n", err)
		}
		os.Exit(1)
	}
}

func errAndDie(err error) {
	if err != nil {
		logger.Fatal(err)
	}
}
