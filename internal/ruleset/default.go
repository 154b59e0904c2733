package ruleset

// DefaultRuleSetYAML returns a commented baseline rule-set for plangate init.
func DefaultRuleSetYAML() string {
	return `# plangate rule-set
# Generated by: plangate init
#
# Evaluation (cannot be changed):
#   1. Each resource is classified into exactly one tier from tier_resolution.paths.
#      A resource whose tier cannot be resolved fails secure (see unresolved_tier_enforcement).
#   2. Every rule whose applies_to matches the resource is evaluated.
#   3. Violations are collected, de-duplicated and gated by enforcement level:
#        hard-mandatory  -> blocked              (exit 3)
#        soft-mandatory  -> blocked-overridable  (exit 2)
#        advisory        -> pass-with-warnings   (exit 0)
version: 1
name: baseline
requires: ">= 1.0.0"

# Declared tiers, most restrictive first. Tier values are case-sensitive.
tiers: [prod, staging, dev]

tier_resolution:
  paths:
    - tags.Environment
    - tags_all.Environment
  # Types that carry no tags of their own. They still fail when a tier-scoped
  # rule applies to them.
  exempt_types: []

defaults:
  enforcement: hard-mandatory
  severity: high

# Enforcement of the synthetic "tier-resolution" violation.
unresolved_tier_enforcement: hard-mandatory

# Secrets in violation messages are masked as [REDACTED:<TYPE>].
# Credentials, AWS keys, private keys and URL passwords are built in.
redact:
  extra_patterns: []
  literals: []

# Requirement tables: per-tier values read with {requirement: key}.
# Every tier a rule applies to must have an entry in the rule's table.
tables:
  storage:
    prod:
      encryption: true
      log_retention_days: 365
    staging:
      encryption: true
      log_retention_days: 90
    dev:
      encryption: false
      log_retention_days: 7
  network:
    prod:
      allowed_ingress: ["10.0.0.0/8"]
    staging:
      allowed_ingress: ["10.0.0.0/8", "172.16.0.0/12"]
    dev:
      allowed_ingress: ["0.0.0.0/0"]

# Rules. Predicate forms:
#   all: [...] | any: [...] | not: {...}
#   {attr: path, <operator>: value}           value may be {requirement: key}
#   related: {type, where, min, max}          where may compare against {source: path}
#   expr: "<CEL expression>"                  with paths: [...] it reads
rules:
  - id: s3-encryption
    description: Buckets must configure server-side encryption where the tier requires it.
    applies_to:
      types: [aws_s3_bucket]
    table: storage
    predicate:
      any:
        - attr: server_side_encryption_configuration
          present: true
        - requirement: encryption
          eq: false
    message: "{{.Address}} in {{.Tier}} must be encrypted"

  - id: log-retention
    applies_to:
      types: [aws_cloudwatch_log_group]
    table: storage
    predicate:
      attr: retention_in_days
      gte: {requirement: log_retention_days}
    severity: medium
    enforcement: soft-mandatory

  - id: sg-open-ingress
    description: Security group ingress must stay inside the tier's allowed ranges.
    applies_to:
      types: [aws_security_group]
    table: network
    predicate:
      any:
        - attr: ingress
          absent: true
        - attr: ingress.*.cidr_blocks
          cidr_within: {requirement: allowed_ingress}
    severity: critical

  - id: vpc-nat-gateway
    description: Production VPCs need a NAT gateway in one of their subnets.
    applies_to:
      types: [aws_vpc]
      tiers: [prod]
    predicate:
      related:
        type: aws_subnet
        where:
          all:
            - attr: vpc_id
              eq: {source: id}
            - related:
                type: aws_nat_gateway
                where:
                  attr: subnet_id
                  eq: {source: id}
    message: "{{.Address}} has no NAT gateway"

  - id: owner-tag
    description: Every managed resource should name an owner. Not tier-scoped.
    predicate:
      attr: tags.Owner
      present: true
    severity: low
    enforcement: advisory
`
}
