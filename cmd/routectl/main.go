package main

import (
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	routemanager "github.com/tun-rs/route-manager"
	"github.com/tun-rs/route-manager/internal/logger"
)

var (
	version = "1.0.0"

	verboseMode bool
	gatewayFlag string
	ifaceFlag   string
	metricFlag  uint32
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "routectl",
		Short: "Kernel routing table manager",
		Long:  `Inspect and manipulate the kernel routing table through the system's native routing interface.`,
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all routes",
		Long:  `Dump every route in the kernel routing table, both address families.`,
		Run:   listRoutes,
	}

	addCmd := &cobra.Command{
		Use:   "add <destination/prefix>",
		Short: "Add a route",
		Long:  `Insert a route for the given destination network via a gateway and/or interface.`,
		Args:  cobra.ExactArgs(1),
		Run:   addRoute,
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <destination/prefix>",
		Short: "Delete a route",
		Long:  `Remove the route matching the given destination network.`,
		Args:  cobra.ExactArgs(1),
		Run:   deleteRoute,
	}

	getCmd := &cobra.Command{
		Use:   "get <address>",
		Short: "Show the route an address would take",
		Long:  `Resolve the best matching route for a destination address.`,
		Args:  cobra.ExactArgs(1),
		Run:   getRoute,
	}

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Stream routing table changes",
		Long:  `Subscribe to routing table change events and print them until interrupted.`,
		Run:   monitorRoutes,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run:   showVersion,
	}

	rootCmd.PersistentFlags().BoolVarP(&verboseMode, "verbose", "v", false, "Verbose mode (debug level logging)")
	for _, cmd := range []*cobra.Command{addCmd, deleteCmd} {
		cmd.Flags().StringVarP(&gatewayFlag, "gateway", "g", "", "Next hop address")
		cmd.Flags().StringVarP(&ifaceFlag, "interface", "i", "", "Outgoing interface name")
		cmd.Flags().Uint32VarP(&metricFlag, "metric", "m", 0, "Route metric")
	}

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newManager() *routemanager.RouteManager {
	level := "info"
	if verboseMode {
		level = "debug"
	}
	rm, err := routemanager.New(routemanager.WithLogger(logger.New(level)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create route manager: %v\n", err)
		os.Exit(1)
	}
	return rm
}

func listRoutes(_ *cobra.Command, _ []string) {
	rm := newManager()
	defer rm.Close()

	routes, err := rm.List()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list routes: %v\n", err)
		os.Exit(1)
	}
	for _, r := range routes {
		fmt.Println(r)
	}
}

func addRoute(_ *cobra.Command, args []string) {
	rm := newManager()
	defer rm.Close()

	route := parseRouteArg(args[0])
	if err := rm.Add(&route); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to add route: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Route added: %s\n", route)
}

func deleteRoute(_ *cobra.Command, args []string) {
	rm := newManager()
	defer rm.Close()

	route := parseRouteArg(args[0])
	if err := rm.Delete(&route); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to delete route: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Route deleted: %s\n", route)
}

func getRoute(_ *cobra.Command, args []string) {
	rm := newManager()
	defer rm.Close()

	addr, err := netip.ParseAddr(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid address %q: %v\n", args[0], err)
		os.Exit(1)
	}
	route, err := rm.FindRoute(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to resolve route: %v\n", err)
		os.Exit(1)
	}
	if route == nil {
		fmt.Printf("No route to %s\n", addr)
		os.Exit(1)
	}
	fmt.Println(route)
}

func monitorRoutes(_ *cobra.Command, _ []string) {
	rm := newManager()
	defer rm.Close()

	listener, err := rm.Listener()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to subscribe to route changes: %v\n", err)
		os.Exit(1)
	}
	defer listener.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		_ = listener.Shutdown()
	}()

	fmt.Println("Monitoring route changes, press Ctrl-C to stop")
	for {
		change, err := listener.Listen()
		if err == routemanager.ErrInterrupted {
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Monitor error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(change)
	}
}

func showVersion(_ *cobra.Command, _ []string) {
	fmt.Printf("routectl v%s\n", version)
	fmt.Printf("Runtime: %s\n", runtime.Version())
	fmt.Printf("Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

// parseRouteArg accepts "addr/prefix" or a bare address, which implies
// the full-width prefix of its family.
func parseRouteArg(arg string) routemanager.Route {
	var (
		dest   netip.Addr
		prefix uint8
	)
	if strings.Contains(arg, "/") {
		p, err := netip.ParsePrefix(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid destination %q: %v\n", arg, err)
			os.Exit(1)
		}
		dest, prefix = p.Addr(), uint8(p.Bits())
	} else {
		a, err := netip.ParseAddr(arg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid destination %q: %v\n", arg, err)
			os.Exit(1)
		}
		dest = a
		prefix = 32
		if a.Is6() {
			prefix = 128
		}
	}

	route := routemanager.NewRoute(dest, prefix).WithMetric(metricFlag)
	if gatewayFlag != "" {
		gw, err := netip.ParseAddr(gatewayFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid gateway %q: %v\n", gatewayFlag, err)
			os.Exit(1)
		}
		route = route.WithGateway(gw)
	}
	if ifaceFlag != "" {
		route = route.WithInterface(ifaceFlag)
	}
	return route
}
