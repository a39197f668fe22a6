// Package topicmgr names the topic templates used across sphere.
//
// Framework topics are registered at startup from Defaults, optionally with
// patterns overridden by configuration. Module descriptors may declare
// additional topics, which are registered under the module's scope and
// replaced whenever the descriptor is reloaded.
//
//	topics := topicmgr.NewManager(log)
//	if err := topics.RegisterDefaults(cfg.Topics); err != nil {
//		return err
//	}
//	start, err := topics.Bind(topicmgr.ModuleStart, map[string]string{"node": nodeID})
package topicmgr
