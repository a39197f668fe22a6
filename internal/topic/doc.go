// Package topic parses parameterised topic templates.
//
// A template like "$device/:device/channel/:channel" is used in three ways:
//
//   - as a subscription filter, where unbound parameters become '+'
//   - as a publish address, where every parameter must be bound
//   - as a matcher, turning an incoming concrete topic back into parameters
//
// Example:
//
//	ch := topic.MustParse("$device/:device/channel/:channel")
//	ch.SubscribeTopic()                  // "$device/+/channel/+"
//	bound := ch.MustWith("device", "abc").MustWith("channel", "light")
//	addr, _ := bound.PublishTopic()      // "$device/abc/channel/light"
//	params, ok := ch.Match(addr)         // {device: abc, channel: light}, true
package topic
