package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edupush/edupush/auth"
	"github.com/edupush/edupush/call"
	"github.com/edupush/edupush/journal"
	"github.com/edupush/edupush/presence"
	"github.com/edupush/edupush/store"
	"github.com/edupush/edupush/ws"
)

const (
	kafkaTopic      = "edupush-messages"
	msgMaxBytes     = 4096
	maxHistoryLimit = 200
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "edupush.pid", "pid file")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/edupush?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")
	flagBoltPath = flag.String("bolt-path", "edupush.db", "bbolt file for the local last-seen record")

	flagKafkaBrokers  = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")
	flagEnableJournal = flag.Bool("enable-journal", false, "publish delivered messages to kafka for downstream consumers")

	flagHistoryLimit  = flag.Uint("history-limit", 100, "history fetch: max rows per request, in [25, 200]")
	flagRingTimeout   = flag.Duration("ring-timeout", 45*time.Second, "auto-end unanswered calls after this long")
	flagPresenceGrace = flag.Duration("presence-grace", 3*time.Second, "delay before broadcasting offline, suppressed on reconnect")
	flagTypingTTL     = flag.Duration("typing-ttl", 5*time.Second, "typing indicator expiry without a renewing event")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	db, err := sql.Open("mysql", *flagMysqlDsn)
	if err != nil {
		return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
	}

	db.SetConnMaxLifetime(time.Minute * 3)
	db.SetMaxOpenConns(100)
	db.SetMaxIdleConns(1)

	glog.Info("edupush server is starting")

	lastSeen, err := presence.OpenLastSeen(*flagBoltPath)
	if err != nil {
		return errorf("open bbolt `%s` error: %v", *flagBoltPath, err)
	}

	messageStore := store.NewMessageStore(db)

	conf := &ws.Conf{
		MaxMsgSize:    msgMaxBytes,
		HistoryLimit:  int32(*flagHistoryLimit),
		TypingTTL:     *flagTypingTTL,
		RingTimeout:   *flagRingTimeout,
		PresenceGrace: *flagPresenceGrace,
	}

	registry := ws.NewRegistry()
	broadcaster := presence.NewBroadcaster(messageStore, registry, registry, lastSeen, conf.PresenceGrace)
	coordinator := call.NewCoordinator(registry, conf.RingTimeout)
	typing := ws.NewTypingTracker(registry, conf.TypingTTL)

	var msgJournal *journal.Journal
	var publisher ws.Publisher
	journalStopDoneC := make(chan struct{})
	if *flagEnableJournal {
		msgJournal = journal.New(strings.Split(*flagKafkaBrokers, ","), kafkaTopic)
		publisher = msgJournal
	}

	relay := ws.NewRelay(messageStore, registry, publisher, conf)

	hub := ws.NewHub(newAuthClient(), registry, relay, typing, broadcaster, coordinator, conf)

	mux := http.NewServeMux()
	if !*flagDisableMetrics {
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "edupush",
			Name:      "active_call_sessions",
			Help:      "Active (ringing or connected) call sessions.",
		}, func() float64 { return float64(coordinator.SessionCount()) }))
		prometheus.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "edupush",
			Name:      "online_users",
			Help:      "Distinct users with at least one live handle.",
		}, func() float64 { return float64(registry.OnlineCount()) }))

		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	ws.NewRestApi(newAuthClient(), relay).Register(mux)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if msgJournal != nil {
		go msgJournal.Run(ctx, journalStopDoneC)
	}

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}
	httpServer := &http.Server{Handler: mux}
	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
		}
	}()

	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if prof != nil {
				prof.dumpGoroutines()
			}
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("edupush server is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s`, stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}

				httpServer.Shutdown(context.Background())
				glog.Infof("http server shutdown done")

				hub.Close()
				broadcaster.Stop()

				cancel()
				if msgJournal != nil {
					<-journalStopDoneC
				}

				_ = lastSeen.Close()
				_ = db.Close()
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("edupush server exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into the school backend's session API.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}
	if *flagBoltPath == "" {
		return errorf("--bolt-path is required")
	}
	if *flagMysqlDsn == "" {
		return errorf("--mysql-dsn is required")
	}

	if *flagHistoryLimit < 25 || *flagHistoryLimit > maxHistoryLimit {
		return errorf("invalid --history-limit, expect in range [25, %d]", maxHistoryLimit)
	}
	if *flagRingTimeout < 5*time.Second || *flagRingTimeout > 2*time.Minute {
		return errorf("invalid --ring-timeout, expect in range [5s, 2m]")
	}
	if *flagPresenceGrace < time.Second || *flagPresenceGrace > 30*time.Second {
		return errorf("invalid --presence-grace, expect in range [1s, 30s]")
	}
	if *flagTypingTTL < time.Second || *flagTypingTTL > 30*time.Second {
		return errorf("invalid --typing-ttl, expect in range [1s, 30s]")
	}

	if *flagEnableJournal && len(*flagKafkaBrokers) == 0 {
		return errorf("--kafka-brokers is required with --enable-journal")
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		content, err := os.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			}
			glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := os.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
