package cmd

import (
	"github.com/urfave/cli"
	"github.com/vkngwrapper/mtquad/log"
)

var logger = log.New("mtquad")

func setupLogging(ctx *cli.Context) {
	if ctx.GlobalBool("v") {
		log.SetLevel(log.Info)
	}

	if ctx.GlobalBool("vv") {
		log.SetLevel(log.Debug)
	}
}
