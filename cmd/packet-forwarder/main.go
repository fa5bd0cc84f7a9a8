package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lorawan-server/single-chan-pktfwd/internal/api"
	"github.com/lorawan-server/single-chan-pktfwd/internal/auth"
	"github.com/lorawan-server/single-chan-pktfwd/internal/config"
	"github.com/lorawan-server/single-chan-pktfwd/internal/events"
	"github.com/lorawan-server/single-chan-pktfwd/internal/forwarder"
	"github.com/lorawan-server/single-chan-pktfwd/internal/metrics"
	"github.com/lorawan-server/single-chan-pktfwd/internal/radio"
	"github.com/lorawan-server/single-chan-pktfwd/internal/storage"
	"github.com/lorawan-server/single-chan-pktfwd/internal/timesync"
	"github.com/lorawan-server/single-chan-pktfwd/pkg/lorawan"
)

var version = "dev"

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "packet-forwarder",
		Short: "单信道 LoRa Semtech UDP 包转发器",
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultPath, "配置文件路径")

	rootCmd.AddCommand(runCmd(), versionCmd(), tokenCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "启动包转发器",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "显示版本",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("packet-forwarder %s\n", version)
		},
	}
}

func tokenCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "签发控制 API 令牌",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			token, err := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenTTL).GenerateToken(subject, auth.ScopeControl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "令牌主体")
	return cmd
}

func setupLogger(cfg config.LogConfig) {
	if cfg.Format != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func run() error {
	// 加载配置
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("加载配置失败: %w", err)
	}
	setupLogger(cfg.Log)
	cfg.PrintSummary()

	log.Info().Str("version", version).Msg("包转发器启动中...")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 射频模块
	driver := radio.NewRYLR896(cfg.Radio.Port, cfg.Radio.Baud)
	if err := driver.Begin(cfg.RadioConfig()); err != nil {
		return fmt.Errorf("初始化射频模块失败: %w", err)
	}
	defer driver.Close()

	log.Info().Str("port", cfg.Radio.Port).Float64("freq", cfg.Radio.Frequency).Msg("射频模块已就绪")

	// 网络服务器套接字
	transport, err := forwarder.DialUDP(cfg.ServerAddr(), cfg.Forwarder.PollInterval)
	if err != nil {
		return fmt.Errorf("连接网络服务器失败: %w", err)
	}
	defer transport.Close()

	log.Info().
		Str("local", transport.LocalAddr().String()).
		Str("remote", transport.RemoteAddr().String()).
		Msg("UDP 套接字已就绪")

	// 指标
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		return fmt.Errorf("注册指标失败: %w", err)
	}

	opts := []forwarder.Option{
		forwarder.WithClock(radio.NewMonotonicClock()),
		forwarder.WithMetrics(m),
	}

	// NTP 墙钟
	if cfg.NTPEnabled() {
		clock := timesync.New(timesync.Config{
			Server:     cfg.NTP.Server,
			Period:     cfg.NTP.Period,
			RetryDelay: cfg.NTP.RetryDelay,
			Timeout:    cfg.NTP.Timeout,
		})
		go clock.Run(ctx)
		opts = append(opts, forwarder.WithTimeSource(clock.Now))
	}

	// 事件镜像
	publisher, err := newPublisher(cfg)
	if err != nil {
		return err
	}
	if publisher != nil {
		defer publisher.Close()
		opts = append(opts, forwarder.WithObserver(publisher))
	}

	// 帧日志
	store, err := newStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	journal := storage.NewJournal(store, cfg.Database.QueueSize)
	defer journal.Close()
	opts = append(opts, forwarder.WithObserver(journal))

	session := forwarder.NewSession(forwarder.Config{
		GatewayID:     cfg.GatewayID(),
		ServerAddr:    cfg.ServerAddr(),
		Location:      cfg.Gateway.Location,
		Frequency:     cfg.Radio.Frequency,
		DataRate:      cfg.DataRate().String(),
		CodingRate:    lorawan.CodingRate(cfg.Radio.CodingRate),
		StatInterval:  cfg.Forwarder.StatInterval,
		PullInterval:  cfg.Forwarder.PullInterval,
		PollInterval:  cfg.Forwarder.PollInterval,
		Guard:         cfg.Forwarder.GuardUS,
		MaxLead:       cfg.Forwarder.MaxLeadUS,
		AckScheduled:  cfg.Forwarder.AckScheduled,
		ReceiveBuffer: cfg.Forwarder.ReceiveBuffer,
	}, transport, driver, opts...)

	// 控制 API
	var server *api.RESTServer
	if cfg.API.Enabled {
		jwtManager := auth.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenTTL)
		server = api.NewRESTServer(session, journal.Store(), jwtManager, reg, version)
		go func() {
			if err := server.ListenAndServe(cfg.APIAddr()); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("控制 API 停止")
			}
		}()
	}

	// 等待信号
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("收到信号，正在关闭...")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := session.Run(ctx); err != nil {
		return err
	}

	if server != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("关闭控制 API 失败")
		}
	}

	log.Info().Uint64("journal_dropped", journal.Dropped()).Msg("包转发器已停止")
	return nil
}

func newPublisher(cfg *config.Config) (*events.Publisher, error) {
	gatewayID := cfg.GatewayID()

	switch cfg.Events.Backend {
	case config.EventsNATS:
		sink, err := events.DialNATS(events.NATSOptions{
			URL:               cfg.NATS.URL,
			Username:          cfg.NATS.Username,
			Password:          cfg.NATS.Password,
			MaxReconnects:     cfg.NATS.MaxReconnects,
			ReconnectInterval: cfg.NATS.ReconnectInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("连接 NATS 失败: %w", err)
		}
		log.Info().Str("url", cfg.NATS.URL).Msg("已连接到 NATS")
		return events.NewPublisher(sink, cfg.NATS.SubjectPrefix, ".", gatewayID), nil

	case config.EventsMQTT:
		sink, err := events.DialMQTT(events.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			return nil, fmt.Errorf("连接 MQTT 失败: %w", err)
		}
		log.Info().Str("broker", cfg.MQTT.Broker).Msg("已连接到 MQTT")
		return events.NewPublisher(sink, cfg.MQTT.TopicPrefix, "/", gatewayID), nil
	}

	return nil, nil
}

func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Database.DSN == "" {
		log.Info().Msg("未配置数据库，帧日志保存在内存")
		return storage.NewMemoryStore(0), nil
	}

	store, err := storage.NewPostgresStore(cfg.Database.DSN, storage.PostgresOptions{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("初始化数据库失败: %w", err)
	}

	log.Info().Msg("已连接到数据库")
	return store, nil
}
