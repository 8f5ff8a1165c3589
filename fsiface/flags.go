package fsiface

import "os"

const (
	osFlagReadOnly     = os.O_RDONLY
	osFlagWriteCreate  = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	osFlagRdwrCreate   = os.O_RDWR | os.O_CREATE
)
