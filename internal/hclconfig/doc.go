// Package hclconfig loads config.Model values from HCL files.
//
// Any number of files or directories may be given; every *.hcl file found is
// parsed and its blocks merged. Singleton blocks (cluster, ssh, runtime,
// launch, lease, events) may appear at most once across all files, "deploy"
// blocks accumulate. Attributes left out keep the values of config.Default.
//
// Expressions are evaluated with two variables and a few functions:
//
//	env.NAME   the controller's environment
//	home       the controller's home directory
//	upper(s), lower(s), join(sep, list), format(fmt, args...)
package hclconfig
