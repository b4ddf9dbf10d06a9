package main

import (
	"flag"
	"net/http"

	"github.com/codecat/go-libs/log"

	"github.com/codecat/loadlist/pkg/crashlog"
	"github.com/codecat/loadlist/pkg/remote"
	"github.com/codecat/loadlist/pkg/target"
)

var (
	flagVerbose = flag.Bool("v", false, "trace section load list changes")
	flagImages  = flag.String("images", "", "directory holding the logged modules' image files")
	flagServe   = flag.String("serve", "", "serve the first log's load list on this address instead of decoding")
)

func main() {
	flag.Parse()
	if !*flagVerbose {
		log.CurrentConfig.MinLevel = log.CatInfo
	}
	sink := target.LogSink{}

	if *flagServe != "" {
		if flag.NArg() == 0 {
			log.Error("No log given to serve")
			return
		}
		if err := serve(flag.Arg(0), *flagServe, sink); err != nil {
			log.Error("Unable to serve %s: %s", flag.Arg(0), err.Error())
		}
		return
	}

	for _, p := range flag.Args() {
		err := transformLog(p, sink)
		if err != nil {
			log.Error("Unable to decode %s: %s", p, err.Error())
		}
	}
}

func serve(path, addr string, sink target.Sink) error {
	info, err := crashlog.Open(path)
	if err != nil {
		return err
	}

	list, images := info.LoadList(*flagImages, sink)
	log.Info("Serving %d load addresses of %d modules on %s", list.Len(), len(images), addr)
	return http.ListenAndServe(addr, remote.NewServer(list, images...))
}
