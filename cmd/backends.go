package cmd

import (
	"bytes"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli"
)

type backendInfo struct {
	name        string
	description string
}

var backends = []backendInfo{
	{"sim", "software GPU executing command lists on a goroutine; supports fault injection"},
	{"vulkan", "Vulkan device presenting to an SDL window; needs SPIR-V shaders (--vert, --frag)"},
}

// List the backends the run command can drive.
func ListBackends(ctx *cli.Context) error {
	setupLogging(ctx)

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Backend", "Description"})
	for _, b := range backends {
		table.Append([]string{b.name, b.description})
	}
	table.Render()

	logger.Noticef("available backends\n%s", buf.String())
	return nil
}
