// Package agent is the tunneled connection factory.
//
// An [Agent] turns "connect to host:port" into a direct-tcpip channel on one
// lazily established SSH session, and hands the result out as a
// [chansock.Socket] before the channel exists. [Agent.DialContext] has the
// signature net/http.Transport expects:
//
//	a, _ := agent.New(cfg)
//	client := &http.Client{Transport: &http.Transport{DialContext: a.DialContext}}
//
// Every refed socket counts toward the agent's references. While the count is
// non-zero the session is marked active, which keeps keepalives flowing.
package agent
