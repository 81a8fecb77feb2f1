// Command modbus-poll loads a mapping set from CSV, polls a single Modbus
// TCP or RTU slave through it, and logs every value change to stdout.
//
// It is grounded in the CLI shape of the teacher's own example programs
// (flag-driven, one transport, one logger) but uses pflag in place of the
// standard flag package, as promqler and futura-style Go services in this
// corpus do for their own CLIs.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	modbus "github.com/hootrhino/modbus-mapper"
	"github.com/hootrhino/modbus-mapper/internal/transport"
)

func main() {
	var (
		csvPath     = pflag.StringP("config", "c", "", "path to a mapping CSV file (required)")
		mode        = pflag.String("mode", "tcp", "transport mode: tcp or rtu")
		tcpAddr     = pflag.String("tcp-addr", "127.0.0.1:502", "TCP address of the Modbus server")
		rtuAddr     = pflag.String("rtu-addr", "/dev/ttyUSB0", "serial device path for RTU mode")
		rtuBaud     = pflag.Int("rtu-baud", 9600, "RTU baud rate")
		readPeriod  = pflag.Duration("read-period", time.Second, "how often each device's groups are polled")
		respTimeout = pflag.Duration("timeout", 2*time.Second, "per-request transport timeout")
		metricsAddr = pflag.String("metrics-addr", "", "if set, serve Prometheus /metrics on this address")
		logLevel    = pflag.String("log-level", "info", "debug, info, warning, error, or none")
	)
	pflag.Parse()

	if *csvPath == "" {
		fmt.Fprintln(os.Stderr, "modbus-poll: -config is required")
		pflag.Usage()
		os.Exit(2)
	}

	logger := modbus.NewWriterLogger(os.Stdout, parseLevel(*logLevel), "modbus-poll")

	f, err := os.Open(*csvPath)
	if err != nil {
		logger.Errorf("open config: %v", err)
		os.Exit(1)
	}
	byDevice, err := modbus.LoadMappingConfigs(f)
	f.Close()
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	var tr modbus.Transport
	switch *mode {
	case "tcp":
		tr = transport.NewTCPTransport(*tcpAddr, *respTimeout)
	case "rtu":
		tr = transport.NewRTUTransport(transport.SerialConfig{
			Address:  *rtuAddr,
			BaudRate: *rtuBaud,
			DataBits: 8,
			StopBits: 1,
			Parity:   "N",
			Timeout:  *respTimeout,
		})
	default:
		logger.Errorf("unrecognized -mode %q (want tcp or rtu)", *mode)
		os.Exit(2)
	}

	reader := modbus.NewReader(tr, *readPeriod)
	reader.SetLogger(logger)

	if *metricsAddr != "" {
		metrics := modbus.NewMetrics(prometheus.DefaultRegisterer)
		reader.SetMetrics(metrics)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			logger.Infof("serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				logger.Errorf("metrics server: %v", err)
			}
		}()
	}

	for slave, cfgs := range byDevice {
		device := modbus.NewDevice(fmt.Sprintf("slave-%d", slave), slave)
		mappings := make([]*modbus.Mapping, 0, len(cfgs))
		for _, cfg := range cfgs {
			m, err := modbus.NewMapping(cfg)
			if err != nil {
				logger.Errorf("device %d: mapping %q: %v", slave, cfg.Reference, err)
				os.Exit(1)
			}
			mappings = append(mappings, m)
		}
		if err := device.CreateGroups(mappings); err != nil {
			logger.Errorf("device %d: %v", slave, err)
			os.Exit(1)
		}
		device.OnChangeBool = func(h modbus.MappingHandle, v bool) {
			logger.Infof("device %d: %s = %v", slave, device.Mapping(h).Reference, v)
		}
		device.OnChangeBytes = func(h modbus.MappingHandle, _ []uint16) {
			logger.Infof("device %d: %s = %v", slave, device.Mapping(h).Reference, device.Mapping(h).Decoded())
		}
		device.OnStatus = func(online bool) {
			logger.Infof("device %d: online=%v", slave, online)
		}
		if err := reader.AddDevice(device); err != nil {
			logger.Errorf("add device %d: %v", slave, err)
			os.Exit(1)
		}
	}

	if err := reader.Start(); err != nil {
		logger.Errorf("start: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Infof("shutting down")
	reader.Stop()
}

func parseLevel(s string) modbus.LogLevel {
	switch s {
	case "debug":
		return modbus.LevelDebug
	case "warning":
		return modbus.LevelWarning
	case "error":
		return modbus.LevelError
	case "none":
		return modbus.LevelNone
	default:
		return modbus.LevelInfo
	}
}
