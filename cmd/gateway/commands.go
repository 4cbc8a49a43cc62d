// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/serenecare/portal-gateway/pkg/logging"
	"github.com/serenecare/portal-gateway/services/gateway"
	"github.com/serenecare/portal-gateway/services/gateway/config"
	"github.com/serenecare/portal-gateway/services/push/sweep"
	"github.com/serenecare/portal-gateway/services/push/vapid"
)

var (
	rootCmd = &cobra.Command{
		Use:           "portal-gateway",
		Short:         "Patient portal gateway: web push, live notifications, upload and video proxies",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	configPath string

	vapidCmd = &cobra.Command{
		Use:   "vapid",
		Short: "Manage the VAPID application server key pair",
	}
	vapidGenerateCmd = &cobra.Command{
		Use:   "generate",
		Short: "Print a fresh key pair as environment assignments",
		Args:  cobra.NoArgs,
		RunE:  runVAPIDGenerate,
	}
	vapidCheckCmd = &cobra.Command{
		Use:   "check",
		Short: "Validate the configured key pair and contact without starting the server",
		Args:  cobra.NoArgs,
		RunE:  runVAPIDCheck,
	}

	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Inspect the sweep audit log",
	}
	auditVerifyCmd = &cobra.Command{
		Use:   "verify [path]",
		Short: "Verify the hash chain of a sweep audit log",
		Long:  `Recomputes every record hash. Defaults to sweep.audit_path from the configuration.`,
		Args:  cobra.MaximumNArgs(1),
		RunE:  runAuditVerify,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a YAML config file (environment variables still win)")

	rootCmd.AddCommand(serveCmd)

	rootCmd.AddCommand(vapidCmd)
	vapidCmd.AddCommand(vapidGenerateCmd)
	vapidCmd.AddCommand(vapidCheckCmd)

	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

// =============================================================================
// serve
// =============================================================================

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: gateway.ServiceName,
		JSON:    cfg.LogJSON,
	})
	defer logger.Close()
	slog.SetDefault(logger.Slog())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := gateway.New(ctx, cfg, gateway.WithLogger(logger.Slog()))
	if err != nil {
		return err
	}
	runErr := svc.Run(ctx)
	closeErr := svc.Close()
	return errors.Join(runErr, closeErr)
}

// =============================================================================
// vapid
// =============================================================================

func runVAPIDGenerate(cmd *cobra.Command, _ []string) error {
	pub, priv, err := vapid.GenerateKeys()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "VAPID_PUBLIC_KEY=%s\n", pub)
	fmt.Fprintf(out, "VAPID_PRIVATE_KEY=%s\n", priv)
	return nil
}

func runVAPIDCheck(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if !cfg.PushConfigured() {
		return errors.New("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY are not set; push would be disabled")
	}
	identity, err := vapid.NewSigner().Initialize(cfg.VAPID.PublicKey, cfg.VAPID.PrivateKey, cfg.VAPID.Contact)
	if err != nil {
		return err
	}
	defer vapid.Purge()
	fmt.Fprintf(cmd.OutOrStdout(), "VAPID key pair OK (contact %s)\n", identity.Contact())
	return nil
}

// =============================================================================
// audit
// =============================================================================

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		path = cfg.Sweep.AuditPath
	}
	if path == "" {
		return errors.New("no audit log path given and sweep.audit_path is not configured")
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	audit, err := sweep.OpenAuditLog(path)
	if err != nil {
		return err
	}
	defer audit.Close()

	valid, breakIndex, err := audit.VerifyChain()
	if err != nil {
		return err
	}
	if !valid {
		return fmt.Errorf("audit chain broken at record %d", breakIndex)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "audit chain intact (%d records)\n", audit.Sequence())
	return nil
}
