// Package channel defines the naming convention for realtime event channels
// in the shared Redis pub/sub store.
//
// Channel names are deterministic functions of their parts:
//
//	{namespace}:{domain}:{scope}:{scopeId}:{event}
//
// with scope one of broadcast, user, or household. Subscribers match with
// glob patterns of the form {namespace}:*:{scope}:{scopeId}:*, so a single
// connection needs at most three patterns (broadcast, its user, and its
// household) no matter how many logical channels it later opens.
package channel
