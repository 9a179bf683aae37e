package image_test

import (
	"context"
	"fmt"
	"log"

	"github.com/diskbuild/diskbuild/pkg/fsys"
	"github.com/diskbuild/diskbuild/pkg/image"
	"github.com/diskbuild/diskbuild/pkg/table"
	"github.com/diskbuild/diskbuild/pkg/tool"
	"github.com/diskbuild/diskbuild/pkg/units"
)

// ExampleSpec builds a GPT image with a bootable FAT32 partition and an
// ext4 root partition, sized to fit their content.
func ExampleSpec() {
	runner := tool.NewExecRunner()

	spec := image.New("sdcard.img", table.NewGPT(), image.Options{
		Alignment: 1 * units.MiB,
	})

	boot, err := spec.AddPartition(fsys.NewFAT32(runner, fsys.FATConfig{Label: "BOOT"}), image.PartitionOptions{
		Label:    "EFI System Partition",
		Bootable: true,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := boot.Copy("dist/kernel.img", "/"); err != nil {
		log.Fatal(err)
	}

	root, err := spec.AddPartition(fsys.NewExt4(runner, fsys.ExtConfig{Label: "rootfs"}), image.PartitionOptions{
		Label:      "root",
		ExtraBytes: 16 * units.MiB,
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := root.CopyTree("dist/rootfs", "/"); err != nil {
		log.Fatal(err)
	}

	result, err := spec.Build(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	for _, p := range result.Partitions {
		fmt.Printf("p%d %s at %d (%d bytes)\n", p.Number, p.FSKind, p.Window.Offset, p.Window.Length)
	}
}
