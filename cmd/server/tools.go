package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"segmentd/internal/classify"
	"segmentd/internal/probe"
	"segmentd/internal/service"
	"segmentd/internal/units"
)

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <url>",
		Short: "Follow redirects and report whether a URL is a downloadable file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Fetch.Timeout+cfg.Probe.Timeout)
			defer cancel()

			info, err := newResolver(cfg, logger).Resolve(ctx, args[0])
			out := cmd.OutOrStdout()
			if errors.Is(err, classify.ErrNotADownloadableFile) {
				fmt.Fprintf(out, "not downloadable: %v\n", err)
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "final url:  %s\n", info.FinalURL)
			fmt.Fprintf(out, "file name:  %s\n", info.FileName)
			fmt.Fprintf(out, "mime type:  %s\n", info.MimeType)
			fmt.Fprintf(out, "size:       %s\n", sizeOrUnknown(info.FileSize))
			fmt.Fprintf(out, "ranges:     %t\n", info.AcceptsRanges)
			for i, hop := range info.Redirects {
				fmt.Fprintf(out, "redirect %d: %d %s -> %s\n", i+1, hop.StatusCode, hop.From, hop.To)
			}
			return nil
		},
	}
}

func newProbeCmd(opts *rootOptions) *cobra.Command {
	var threads int
	cmd := &cobra.Command{
		Use:   "probe <url>",
		Short: "Check server capabilities and the advised connection count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			profile := newAdvisor(cfg, logger).CheckServerCapabilities(cmd.Context(), args[0])
			effective, warning := probe.ValidateThreadCount(threads, profile)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server class:    %s\n", profile.Class)
			fmt.Fprintf(out, "range requests:  %t\n", profile.SupportsRanges)
			fmt.Fprintf(out, "max connections: %d\n", profile.MaxConnections)
			fmt.Fprintf(out, "recommended:     %d\n", profile.RecommendedThreads)
			fmt.Fprintf(out, "size:            %s\n", sizeOrUnknown(profile.ContentLength))
			fmt.Fprintf(out, "chunks:          %d\n", probe.CalculateOptimalChunks(profile.ContentLength))
			fmt.Fprintf(out, "threads:         %d\n", effective)
			if warning != "" {
				fmt.Fprintf(out, "warning:         %s\n", warning)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 0, "requested connection count, 0 for auto")
	return cmd
}

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API bearer token signed with auth.jwtsecret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.Auth.TokenTTL = ttl
			}
			auth := service.NewAuthService(service.AuthConfig{
				JWTSecret: cfg.Auth.JWTSecret,
				TokenTTL:  cfg.Auth.TokenTTL,
			})
			token, expires, err := auth.IssueToken(subject)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "cli", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime, overrides auth.tokenttl")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Read a password from stdin and print a value for auth.passwordhash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readLine(cmd.InOrStdin())
			if err != nil {
				return err
			}
			hash, err := service.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func readLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func sizeOrUnknown(n int64) string {
	if n <= 0 {
		return "unknown"
	}
	return units.FormatBytes(n)
}
