// Package mysql provides the MySQL backed account store used by the auth
// service. It encapsulates connection pooling, schema migrations, and the
// queries that resolve users, roles and capabilities.
package mysql
