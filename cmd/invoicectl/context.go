package main

import (
	"strings"
	"time"

	"github.com/invoice-intake-pipeline/internal/cli"
)

type commandContext struct {
	serverFlag  *string
	timeoutFlag *time.Duration
	jsonFlag    *bool
}

func newCommandContext(serverFlag *string, timeoutFlag *time.Duration, jsonFlag *bool) *commandContext {
	return &commandContext{
		serverFlag:  serverFlag,
		timeoutFlag: timeoutFlag,
		jsonFlag:    jsonFlag,
	}
}

func (c *commandContext) client() *cli.Client {
	server := defaultServer
	if c.serverFlag != nil && strings.TrimSpace(*c.serverFlag) != "" {
		server = strings.TrimSpace(*c.serverFlag)
	}
	timeout := 2 * time.Minute
	if c.timeoutFlag != nil && *c.timeoutFlag > 0 {
		timeout = *c.timeoutFlag
	}
	return cli.NewClient(server, timeout)
}

func (c *commandContext) jsonOutput() bool {
	return c.jsonFlag != nil && *c.jsonFlag
}
