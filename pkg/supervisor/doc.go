// Package supervisor manages what feeds devices into a bus: in-process
// drivers, driver executables run as subprocesses and connections to remote
// servers.
//
// Each kind lives in a fixed-capacity slot table. Subprocesses and servers
// are kept alive by a connection.Manager worker: a child that exits is
// respawned after 5s, 10s, 20s, 40s and then every 60s, and the delay drops
// back to 5s once a child has defined a property. A dropped server is
// redialed every second until it is disconnected.
//
// Drivers are entry points called with ActionInfo, ActionInit and
// ActionShutdown. They are registered at compile time in a Catalog, usually
// from an init function:
//
//	func init() {
//		supervisor.Register("simulator", simulator.Entry)
//	}
//
// or loaded from a Go plugin exporting PluginSymbol.
package supervisor
