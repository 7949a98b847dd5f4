//go:build linux && amd64

// Command xenprobe is a smoke-test binary: it opens the privileged command
// device, negotiates a domctl interface version, and prints GetDomainInfo
// for the domid given on the command line. It is not a guest launcher.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/xen-go/xencore/xenctrl"
)

func main() {
	device := flag.String("device", "/dev/xen/privcmd", "privileged command device path")
	domid := flag.Uint("domid", 0, "domain id to query")
	minVersion := flag.Uint("min-version", 9, "minimum domctl interface version to probe")
	maxVersion := flag.Uint("max-version", 15, "maximum domctl interface version to probe")
	flag.Parse()

	log := logrus.NewEntry(logrus.StandardLogger())

	gate, err := xenctrl.Open(*device, uint32(*domid), uint32(*minVersion), uint32(*maxVersion), log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer gate.Close()

	fmt.Printf("negotiated domctl interface version: %d\n", gate.Version())

	info, err := gate.GetDomainInfo(context.Background(), uint32(*domid))
	if err != nil {
		fmt.Fprintln(os.Stderr, "get_domain_info:", err)
		os.Exit(1)
	}
	fmt.Printf("domid=%d flags=%#x tot_pages=%d max_pages=%d nr_online_vcpus=%d\n",
		info.Domid, info.Flags, info.TotPages, info.MaxPages, info.NrOnlineVCPUs)
}
