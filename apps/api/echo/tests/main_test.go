package tests

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	. "github.com/trezcool/mahudhurio/apps/api/echo"
	"github.com/trezcool/mahudhurio/core"
	"github.com/trezcool/mahudhurio/core/attendance"
	"github.com/trezcool/mahudhurio/realtime"
	brokersvc "github.com/trezcool/mahudhurio/services/broker"
	emailsvc "github.com/trezcool/mahudhurio/services/email"
	logsvc "github.com/trezcool/mahudhurio/services/logger"
	inmemdb "github.com/trezcool/mahudhurio/storage/database/inmem"
)

var (
	conf   *core.Config
	db     *inmemdb.DB
	app    Server
	attSvc *attendance.Service
	broker *brokersvc.MemoryBroker

	sessionRepo attendance.SessionRepository
	recordRepo  attendance.RecordRepository
	tokenRepo   attendance.TokenRepository

	errMissingToken = httpErr{Error: "missing or malformed jwt"}
)

func TestMain(m *testing.M) {
	var err error

	conf = &core.Config{
		TestMode:  true,
		Env:       "TEST",
		AppName:   "Mahudhurio",
		SecretKey: "secret",
		Server: core.ServerConfig{
			JWTExpirationDelta:        7 * 24 * time.Hour,
			JWTRefreshExpirationDelta: 4 * time.Hour,
			WebhookSecret:             "hook-secret",
		},
		Attendance: core.AttendanceConfig{
			AutoEndInterval:      time.Minute,
			TokenExpirationDelta: 10 * time.Minute,
			LateThreshold:        15 * time.Minute,
		},
	}
	logger := logsvc.NewStdLogger(log.New(os.Stdout, "TEST : ", log.LstdFlags))

	// set up DB & repos
	if db, err = inmemdb.Open(); err != nil {
		fmt.Printf("inmemdb.Open(): %v", err)
		os.Exit(1)
	}
	sessionRepo = inmemdb.NewSessionRepository(db)
	recordRepo = inmemdb.NewRecordRepository(db)
	tokenRepo = inmemdb.NewTokenRepository(db)

	// set up services
	broker = brokersvc.NewMemoryBroker()
	mailSvc := emailsvc.NewConsoleServiceMock(conf)
	attSvc = attendance.NewService(attendance.ServiceDeps{
		Sessions:    sessionRepo,
		Records:     recordRepo,
		Tokens:      tokenRepo,
		Enrollments: inmemdb.NewEnrollmentRepository(db),
		Broker:      broker,
		Mail:        mailSvc,
		Logger:      logger,
		Conf:        conf,
	})

	validate := validator.New()
	translator := newTranslator()
	core.InitValidators(validate, translator)
	attendance.InitValidators(validate, translator)
	core.ParseEmailTemplates(logger)

	// set up hub & server
	hub := realtime.NewHub(realtime.HubDeps{
		Broker:      broker,
		Logger:      logger,
		VerifyToken: NewTokenVerifier(conf),
	})
	hubCtx, stopHub := context.WithCancel(context.Background())
	if err = hub.Run(hubCtx); err != nil {
		fmt.Printf("hub.Run(): %v", err)
		os.Exit(1)
	}

	app = NewServer(
		ServerDeps{
			Conf:           conf,
			Logger:         logger,
			AttendanceSvc:  attSvc,
			Hub:            hub,
			Validate:       validate,
			Translator:     translator,
			DisableReqLogs: true,
		},
	)

	// run tests
	code := m.Run()

	// clean up
	stopHub()
	if err = hub.Close(); err != nil {
		fmt.Printf("hub.Close(): %v", err)
	}
	attSvc.Close()
	if err = broker.Close(); err != nil {
		fmt.Printf("broker.Close(): %v", err)
	}

	os.Exit(code)
}

func newTranslator() ut.Translator {
	_en := en.New()
	uni := ut.New(_en, _en)
	translator, _ := uni.GetTranslator("en")
	return translator
}
