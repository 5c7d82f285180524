package main

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	punchagent "github.com/httprunner/PunchAgent"
	"github.com/httprunner/PunchAgent/internal/device"
	"github.com/httprunner/PunchAgent/internal/zk"
)

type sizer interface {
	Sizes(ctx context.Context) (users, records int, err error)
}

type probeReport struct {
	Address    string `json:"address"`
	Ping       string `json:"ping"`
	TCPPort    string `json:"tcp_port"`
	Profile    string `json:"profile,omitempty"`
	Firmware   string `json:"firmware,omitempty"`
	Users      int    `json:"users,omitempty"`
	Records    int    `json:"records,omitempty"`
	ConnectErr string `json:"connect_error,omitempty"`
}

func status(err error) string {
	if err != nil {
		return "failed: " + err.Error()
	}
	return "ok"
}

func newProbeCmd() *cobra.Command {
	var (
		flagAddress string
		flagPort    int
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Check reachability of the terminal and report firmware and record counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := openStore().Get()
			if flagAddress != "" {
				cfg.DeviceAddress = flagAddress
			}
			if flagPort > 0 {
				cfg.DevicePort = flagPort
			}
			if cfg.DeviceAddress == "" {
				return errors.New("no device address: set device_address or pass --address")
			}
			timeout := cfg.ConnectTimeout()
			if timeout <= 0 {
				timeout = 10 * time.Second
			}

			target := device.Target{Address: cfg.DeviceAddress, Port: cfg.DevicePort, Timeout: timeout, Password: cfg.DevicePassword}
			report := probeReport{
				Address: target.String(),
				Ping:    status(zk.SystemPing(ctx, cfg.DeviceAddress, timeout)),
				TCPPort: status(punchagent.ProbeTCP(ctx, cfg.DeviceAddress, cfg.DevicePort, timeout)),
			}

			session, profile, err := device.NewConnector().Connect(ctx, target)
			if err != nil {
				report.ConnectErr = err.Error()
				return printJSON(cmd.OutOrStdout(), report)
			}
			defer device.Release(context.WithoutCancel(ctx), session)

			report.Profile = profile.Name
			if fw, err := session.FirmwareVersion(ctx); err == nil {
				report.Firmware = fw
			}
			if s, ok := session.(sizer); ok {
				if users, records, err := s.Sizes(ctx); err == nil {
					report.Users, report.Records = users, records
				}
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVar(&flagAddress, "address", "", "Terminal address overriding device_address")
	cmd.Flags().IntVar(&flagPort, "port", 0, "Terminal port overriding device_port")
	return cmd
}
