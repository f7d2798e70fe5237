package models

import (
	_ "github.com/ollama/tuner/model/models/sd3"
)
