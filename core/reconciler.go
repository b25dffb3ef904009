package core

import (
	"time"

	"github.com/breakdev/edgecert/database"
	"github.com/breakdev/edgecert/log"
)

// Reconciler converges the target set and the schedule. It owns no state of
// its own and repeated runs with no external changes are no-ops.
type Reconciler struct {
	cfg       *Config
	db        *database.Database
	discovery *Discovery
}

func NewReconciler(cfg *Config, db *database.Database, discovery *Discovery) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		db:        db,
		discovery: discovery,
	}
}

// reconcileStatic ensures every configured wildcard root is a target. The
// root domain stands in for the pair (root, *.root) the issuance requests.
func (o *Reconciler) reconcileStatic() {
	for _, d := range o.cfg.GetWildcardRoots() {
		if isLocalDomain(d) {
			continue
		}
		if err := o.db.AddTarget(d); err != nil {
			log.Error("reconcile: failed to add static domain %s: %v", d, err)
		}
	}
}

// reconcileSchedule aligns the schedule with the target set: new targets are
// scheduled immediately, entries without a target are dropped.
func (o *Reconciler) reconcileSchedule() {
	targets, err := o.db.ListTargets()
	if err != nil {
		log.Error("reconcile: failed to list targets: %v", err)
		return
	}
	scheduled, err := o.db.ListScheduled()
	if err != nil {
		log.Error("reconcile: failed to list schedule: %v", err)
		return
	}

	for _, t := range targets {
		if !stringExists(t, scheduled) {
			log.Info("reconcile: new domain %s, scheduling immediately", t)
			if err := o.db.Schedule(t, time.Now()); err != nil {
				log.Error("reconcile: failed to schedule %s: %v", t, err)
			}
		}
	}

	for _, s := range scheduled {
		if !stringExists(s, targets) {
			log.Info("reconcile: domain %s no longer a target, unscheduling", s)
			if err := o.db.Unschedule(s); err != nil {
				log.Error("reconcile: failed to unschedule %s: %v", s, err)
			}
		}
	}
}

// Run executes the three passes in order: static config, discovery snapshot,
// schedule alignment.
func (o *Reconciler) Run() {
	o.reconcileStatic()
	if o.discovery != nil {
		o.discovery.Scan()
	}
	o.reconcileSchedule()
}
